package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"type":"Ping"}`)
	if err := WriteFrame(&buf, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("round trip = %q, want %q", got, body)
	}
}

func TestReadFrame_ZeroLengthRejected(t *testing.T) {
	buf := bytes.NewReader([]byte{0, 0, 0, 0})
	if _, err := ReadFrame(buf); err == nil {
		t.Fatal("zero-length frame accepted")
	}
}

func TestReadFrame_OversizeRejected(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); err == nil {
		t.Fatal("oversize frame accepted")
	}
	var perr *ProtocolError
	_, err := ReadFrame(bytes.NewReader(hdr[:]))
	if !errors.As(err, &perr) {
		t.Errorf("want ProtocolError, got %T", err)
	}
}

func TestReadFrame_TruncatedBody(t *testing.T) {
	// Declared length 4, only 2 bytes of body present.
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 4)
	buf.Write(hdr[:])
	buf.Write([]byte("{}"))
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("truncated frame accepted")
	}
}

func TestWriteFrame_EmptyBodyRejected(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); err == nil {
		t.Fatal("empty body accepted")
	}
}

func TestRequestRoundTrip_AllVariants(t *testing.T) {
	lastSync := int64(1700000000)
	reqs := []Request{
		&Ping{},
		&GetHostInfo{},
		&ExecuteCommand{Command: "uname", Args: []string{"-a"}, Token: ""},
		&SyncConfig{Data: []byte("payload")},
		&SyncDatabase{FromHostname: "frigg", LastSync: &lastSync},
		&SyncDatabase{FromHostname: "odin"},
		&JoinRequest{JoinToken: "tok", JoinerHostname: "baulder", JoinerPublicKey: "pk_1"},
		&ValidateToken{JoinToken: "tok"},
	}
	for _, req := range reqs {
		body, err := EncodeRequest(req)
		if err != nil {
			t.Fatalf("EncodeRequest(%T): %v", req, err)
		}
		got, err := DecodeRequest(body)
		if err != nil {
			t.Fatalf("DecodeRequest(%T): %v", req, err)
		}
		if !reflect.DeepEqual(got, req) {
			t.Errorf("%T round trip = %#v, want %#v", req, got, req)
		}
	}
}

func TestResponseRoundTrip_AllVariants(t *testing.T) {
	resps := []Response{
		&Pong{},
		&Success{Output: "ok"},
		&Error{Message: "boom"},
		&HostInfoResponse{Info: HostInfo{
			Hostname:           "frigg",
			LocalIP:            "192.168.1.10",
			TailscaleIP:        "100.66.176.17",
			TailscaleHostname:  "frigg.bombay-pinecone.ts.net",
			DockerVersion:      "24.0.7",
			TailscaleInstalled: true,
		}},
		&JoinAccepted{SharedSecret: "c2VjcmV0", MeshPeers: []string{"frigg", "odin"}},
		&TokenValid{IssuerHostname: "frigg"},
	}
	for _, resp := range resps {
		body, err := EncodeResponse(resp)
		if err != nil {
			t.Fatalf("EncodeResponse(%T): %v", resp, err)
		}
		got, err := DecodeResponse(body)
		if err != nil {
			t.Fatalf("DecodeResponse(%T): %v", resp, err)
		}
		if !reflect.DeepEqual(got, resp) {
			t.Errorf("%T round trip = %#v, want %#v", resp, got, resp)
		}
	}
}

func TestDecodeRequest_UnknownTag(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"type":"Nope","data":{}}`))
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("want ProtocolError, got %v", err)
	}
}

func TestDecodeRequest_PayloadPrefixKept(t *testing.T) {
	long := append([]byte(`{"type":"Bad","data":"`), bytes.Repeat([]byte("x"), 200)...)
	_, err := DecodeRequest(long)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("want ProtocolError, got %v", err)
	}
	if len(perr.Payload) > 64 {
		t.Errorf("payload prefix %d bytes, want <= 64", len(perr.Payload))
	}
}
