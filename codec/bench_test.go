package codec

import "testing"

type benchPayload struct {
	Location string            `json:"location"`
	State    string            `json:"state"`
	Headers  map[string]string `json:"headers"`
}

func benchCodec(b *testing.B, c Codec, v any) {
	b.Helper()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		data, err := c.Encode(v)
		if err != nil {
			b.Fatal(err)
		}
		var out benchPayload
		if err := c.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

func newBenchPayload() *benchPayload {
	return &benchPayload{
		Location: "file:demo.jar",
		State:    "ACTIVE",
		Headers:  map[string]string{"Bundle-Name": "demo", "Bundle-Version": "1.0.0"},
	}
}

func BenchmarkCodecJSON(b *testing.B) {
	benchCodec(b, GetCodec(CodecTypeJSON), newBenchPayload())
}

func BenchmarkCodecGzip(b *testing.B) {
	benchCodec(b, GetCodec(CodecTypeGzip), newBenchPayload())
}

func BenchmarkCodecRawBytes(b *testing.B) {
	c := ForStream(true)
	raw := make([]byte, 64<<10)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		data, err := c.Encode(raw)
		if err != nil {
			b.Fatal(err)
		}
		var out []byte
		if err := c.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}
