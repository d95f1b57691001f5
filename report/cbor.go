package report

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("report: CBOR encoder mode: %v", err))
	}
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("report: CBOR decoder mode: %v", err))
	}
}

// Marshal encodes r as CBOR with integer keys.
func Marshal(r *Report) ([]byte, error) {
	return encMode.Marshal(r)
}

// Unmarshal decodes a CBOR encoded Report.
func Unmarshal(data []byte) (*Report, error) {
	var r Report
	if err := decMode.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// NewEncoder returns an encoder that appends CBOR reports to w, one data item
// per report.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a decoder reading consecutive CBOR reports from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
