package core

import (
	"reflect"
	"testing"
)

type nestedRecord struct {
	Label  string            `json:"label"`
	Counts []int64           `json:"counts"`
	Tags   map[string]string `json:"tags"`
	Inner  *nestedRecord     `json:"inner,omitempty"`
}

func TestJSONRoundTrip_NestedRecord(t *testing.T) {
	in := nestedRecord{
		Label:  "root",
		Counts: []int64{1, 2, 3},
		Tags:   map[string]string{"env": "test", "region": "eu"},
		Inner: &nestedRecord{
			Label:  "child",
			Counts: []int64{},
		},
	}

	data, err := JSONEncode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var out nestedRecord
	if err := JSONDecode(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in  = %+v\n out = %+v", in, out)
	}
}

func TestJSONRoundTrip_PreservesInt64Precision(t *testing.T) {
	type payload struct {
		Max int64  `json:"max"`
		Min int64  `json:"min"`
		U   uint64 `json:"u"`
	}
	in := payload{Max: 1<<63 - 1, Min: -(1 << 62), U: 1<<64 - 1}

	data, err := JSONEncode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out payload
	if err := JSONDecode(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("precision lost: in = %+v, out = %+v", in, out)
	}
}

func TestJSONEncode_RejectsNil(t *testing.T) {
	if _, err := JSONEncode(nil); err == nil {
		t.Fatal("expected error encoding nil")
	}
}

func TestJSONDecode_RejectsEmptyInput(t *testing.T) {
	var v nestedRecord
	if err := JSONDecode(nil, &v); err == nil {
		t.Fatal("expected error decoding empty input")
	}
	if err := JSONDecode([]byte(`{}`), nil); err == nil {
		t.Fatal("expected error decoding into nil target")
	}
}
