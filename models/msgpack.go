package models

import (
	"github.com/rohanthewiz/serr"
	"github.com/vmihailenco/msgpack/v5"
)

// Pack encodes v with msgpack.
// Client side blobs (tag lists, conflict copies, the offline snapshot) are
// stored in this form.
func Pack(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, serr.Wrap(err, "failed to msgpack encode value")
	}
	return b, nil
}

// Unpack decodes msgpack bytes into v. Empty input leaves v untouched.
func Unpack(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(b, v); err != nil {
		return serr.Wrap(err, "failed to unmarshal msgpack value")
	}
	return nil
}
