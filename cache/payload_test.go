package cache

import (
	"bytes"
	"errors"
	"testing"
)

func samplePayload() *Payload {
	return &Payload{
		Manifest: &Manifest{
			ExitCode: 0,
			Stdout:   []byte("out"),
			Stderr:   []byte("err"),
			Files: map[string]BlobInfo{
				"object":  {Blob: "blob-object", Compression: CompressionNone, Size: 5, StoredSize: 5},
				"depfile": {Blob: "blob-depfile", Compression: CompressionNone, Size: 3, StoredSize: 3},
			},
		},
		Blobs: map[string][]byte{
			"object":  []byte("OBJ.."),
			"depfile": []byte("DEP"),
		},
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := samplePayload().Encode(&buf); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	p, err := DecodePayload(&buf)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if !bytes.Equal(p.Blobs["object"], []byte("OBJ..")) {
		t.Fatalf("object blob = %q", p.Blobs["object"])
	}
	if !bytes.Equal(p.Blobs["depfile"], []byte("DEP")) {
		t.Fatalf("depfile blob = %q", p.Blobs["depfile"])
	}
	if string(p.Manifest.Stdout) != "out" || string(p.Manifest.Stderr) != "err" {
		t.Fatalf("streams = %q / %q", p.Manifest.Stdout, p.Manifest.Stderr)
	}
}

func TestPayloadEncodeRejectsInconsistentBlob(t *testing.T) {
	t.Parallel()

	p := samplePayload()
	p.Blobs["object"] = []byte("wrong length")
	if err := p.Encode(&bytes.Buffer{}); err == nil {
		t.Fatal("Encode() accepted a blob inconsistent with its manifest size")
	}
}

func TestPayloadDecodeRejectsBadMagic(t *testing.T) {
	t.Parallel()

	if _, err := DecodePayload(bytes.NewReader([]byte("xxxx....."))); !errors.Is(err, ErrCorruptEntry) {
		t.Fatalf("DecodePayload() error = %v, want ErrCorruptEntry", err)
	}
}

func TestPayloadDecodeRejectsTruncation(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := samplePayload().Encode(&buf); err != nil {
		t.Fatal(err)
	}
	truncated := buf.Bytes()[:buf.Len()-2]
	if _, err := DecodePayload(bytes.NewReader(truncated)); !errors.Is(err, ErrCorruptEntry) {
		t.Fatalf("DecodePayload() error = %v, want ErrCorruptEntry", err)
	}
}
