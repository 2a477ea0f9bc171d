package epochstore

import (
	"sort"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
	"github.com/glycerine/greenpack/msgp"
	"github.com/pkg/errors"
)

// ErrCorrupt means the epoch file failed its checksum
// or could not be decoded.
var ErrCorrupt = errors.New("epochstore: corrupt epoch file")

// On disk, the epoch file is two msgpack objects:
//
//	bin(payload) string(checksum)
//
// where payload is the msgpack map
//
//	{"savedAtUnixNano": int64, "epochs": {cellID: int64, ...}}
//
// and checksum is the blake3 of payload, as
// "blake3.33B-" + base64url(sum[:33]).

const (
	keySavedAt = "savedAtUnixNano"
	keyEpochs  = "epochs"
)

type record struct {
	SavedAtUnixNano int64
	Epochs          map[string]int64
}

func blake3sumString(by []byte) string {
	h := blake3.New(64, nil)
	h.Write(by)
	sum := h.Sum(nil)
	return "blake3.33B-" + cristalbase64.URLEncoding.EncodeToString(sum[:33])
}

// appendPayload writes cells in sorted order, so the
// same epochs always give the same bytes.
func (r *record) appendPayload(b []byte) []byte {
	b = msgp.AppendMapHeader(b, 2)
	b = msgp.AppendString(b, keySavedAt)
	b = msgp.AppendInt64(b, r.SavedAtUnixNano)
	b = msgp.AppendString(b, keyEpochs)

	cells := make([]string, 0, len(r.Epochs))
	for id := range r.Epochs {
		cells = append(cells, id)
	}
	sort.Strings(cells)
	b = msgp.AppendMapHeader(b, uint32(len(cells)))
	for _, id := range cells {
		b = msgp.AppendString(b, id)
		b = msgp.AppendInt64(b, r.Epochs[id])
	}
	return b
}

// marshal returns the complete file contents.
func (r *record) marshal() []byte {
	payload := r.appendPayload(nil)
	b := msgp.AppendBytes(nil, payload)
	return msgp.AppendString(b, blake3sumString(payload))
}

func unmarshalRecord(by []byte) (r *record, err error) {
	var nbs *msgp.NilBitsStack
	payload, rest, err := nbs.ReadBytesBytes(by, nil)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	sum, rest, err := nbs.ReadStringBytes(rest)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	if len(rest) != 0 {
		return nil, errors.Wrapf(ErrCorrupt, "%v trailing bytes", len(rest))
	}
	if got := blake3sumString(payload); got != sum {
		return nil, errors.Wrapf(ErrCorrupt, "checksum on disk '%v' but payload hashes to '%v'", sum, got)
	}

	r = &record{Epochs: make(map[string]int64)}
	sz, b, err := nbs.ReadMapHeaderBytes(payload)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, b, err = nbs.ReadStringBytes(b)
		if err != nil {
			return nil, errors.Wrap(ErrCorrupt, err.Error())
		}
		switch key {
		case keySavedAt:
			r.SavedAtUnixNano, b, err = nbs.ReadInt64Bytes(b)
		case keyEpochs:
			b, err = r.readEpochs(b)
		default:
			// newer writers may add fields.
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "field '%v': %v", key, err)
		}
	}
	return r, nil
}

func (r *record) readEpochs(b []byte) (rest []byte, err error) {
	var nbs *msgp.NilBitsStack
	n, b, err := nbs.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < n; i++ {
		var id string
		var e int64
		id, b, err = nbs.ReadStringBytes(b)
		if err != nil {
			return b, err
		}
		e, b, err = nbs.ReadInt64Bytes(b)
		if err != nil {
			return b, err
		}
		r.Epochs[id] = e
	}
	return b, nil
}
