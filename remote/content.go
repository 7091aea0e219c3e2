package remote

import (
	"bytes"
	"io"

	"github.com/gabriel-vasile/mimetype"
)

const sniffLen = 3072

// GRIB has no registered signature, so recognise its "GRIB" magic before falling
// back to mimetype's detection.
func detectContentType(head []byte) string {
	if bytes.HasPrefix(head, []byte("GRIB")) {
		return "application/x-grib"
	}
	return mimetype.Detect(head).String()
}

// sniff detects the content type of r and returns a reader positioned at the start of
// the body. Seekable readers are rewound so the SDK can still sign and retry them.
func sniff(r io.Reader) (io.Reader, string, error) {
	seeker, seekable := r.(io.ReadSeeker)
	var start int64
	if seekable {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, "", err
		}
		start = pos
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, "", err
	}
	head = head[:n]
	contentType := detectContentType(head)

	if seekable {
		if _, err := seeker.Seek(start, io.SeekStart); err != nil {
			return nil, "", err
		}
		return seeker, contentType, nil
	}
	rest, err := io.ReadAll(r)
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(append(head, rest...)), contentType, nil
}
