package webapp

import (
	"errors"

	hashids "github.com/speps/go-hashids/v2"
)

var ErrBadRef = errors.New("invalid waypoint reference")

// RefCodec turns server ids into short opaque references for links and
// audit exports, so sequential ids are not exposed.
type RefCodec struct {
	h *hashids.HashID
}

func NewRefCodec(salt string, min_length int) (*RefCodec, error) {
	hd := hashids.NewData()
	hd.Salt = salt
	hd.MinLength = min_length
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}
	return &RefCodec{h: h}, nil
}

func (c *RefCodec) Encode(id int64) string {
	s, err := c.h.EncodeInt64([]int64{id})
	if err != nil {
		return ""
	}
	return s
}

func (c *RefCodec) Decode(ref string) (int64, error) {
	if ref == "" {
		return 0, ErrBadRef
	}
	ids, err := c.h.DecodeInt64WithError(ref)
	if err != nil || len(ids) != 1 {
		return 0, ErrBadRef
	}
	return ids[0], nil
}
