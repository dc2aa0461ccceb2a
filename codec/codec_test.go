package codec

import (
	"testing"

	"github.com/go-json-experiment/json/jsontext"
)

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}

	data, err := jsonCodec.Encode(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}
	// Keys are sorted
	if string(data) != `{"a":1,"b":2}` {
		t.Errorf("Encode mismatch: got %s", data)
	}

	var decoded any
	if err := jsonCodec.Decode([]byte(`5`), &decoded); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}
	if decoded != float64(5) {
		t.Errorf("Decode mismatch: got %#v, want 5", decoded)
	}
}

func TestJSONCodecDuplicateNames(t *testing.T) {
	var v struct {
		A int `json:"a"`
	}
	// 重复的成员名不报错，后出现的值生效
	if err := (&JSONCodec{}).Decode([]byte(`{"a":1,"a":2}`), &v); err != nil {
		t.Fatalf("Decode with duplicate names failed: %v", err)
	}
	if v.A != 2 {
		t.Errorf("got a=%d, want 2", v.A)
	}
}

func TestGetCodec(t *testing.T) {
	for _, format := range []Format{FormatJSON, ""} {
		c, err := GetCodec(format)
		if err != nil {
			t.Fatalf("GetCodec(%q) failed: %v", format, err)
		}
		if c.Format() != FormatJSON {
			t.Errorf("GetCodec(%q) returned format %q", format, c.Format())
		}
	}

	if _, err := GetCodec("xml"); err == nil {
		t.Fatal("expect error for unsupported format")
	}
}

func TestEncodeArgs(t *testing.T) {
	var nilMap map[string]int
	var nilPtr *struct{}

	cases := []struct {
		name   string
		params any
		want   string
		absent bool
	}{
		{name: "nil", params: nil, absent: true},
		{name: "nil map", params: nilMap, absent: true},
		{name: "nil pointer", params: nilPtr, absent: true},
		{name: "bare int", params: 5, want: "[5]"},
		{name: "bare string", params: "hi", want: `["hi"]`},
		{name: "bare map", params: map[string]int{"x": 1}, want: `[{"x":1}]`},
		{name: "int slice", params: []int{1, 2, 3}, want: "[1,2,3]"},
		{name: "mixed slice", params: []any{1, "two", true, nil}, want: `[1,"two",true,null]`},
		{name: "array", params: [2]string{"a", "b"}, want: `["a","b"]`},
		{name: "wrapped slice", params: [][]int{{1, 2}}, want: "[[1,2]]"},
		{name: "wrapped slice any", params: []any{[]int{1, 2}}, want: "[[1,2]]"},
		{name: "empty slice", params: []int{}, want: "[]"},
		{name: "bytes", params: []byte("hi"), want: `["aGk="]`},
		{name: "raw array", params: jsontext.Value(`[1,2]`), want: "[1,2]"},
		{name: "raw scalar", params: jsontext.Value(`7`), want: "[7]"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EncodeArgs(&JSONCodec{}, tc.params)
			if err != nil {
				t.Fatalf("EncodeArgs failed: %v", err)
			}
			if tc.absent {
				if got != nil {
					t.Fatalf("expect no argument field, got %s", got)
				}
				return
			}
			if string(got) != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}
