package fetch

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding advertises exactly the codings decodeBody can undo.
const acceptEncoding = "gzip, deflate, zstd"

// decodeBody wraps the wire body so the consumer and the cache see
// decoded bytes. Multiple codings unwrap outermost-first, i.e. the
// reverse of the Content-Encoding list.
func decodeBody(contentEncoding string, body io.ReadCloser) (io.ReadCloser, error) {
	codings := splitCodings(contentEncoding)
	if len(codings) == 0 {
		return body, nil
	}

	reader := io.Reader(body)
	for i := len(codings) - 1; i >= 0; i-- {
		var err error
		reader, err = decodeOne(codings[i], reader)
		if err != nil {
			body.Close()
			return nil, fmt.Errorf("failed to decode %s body: %w", codings[i], err)
		}
	}
	return &decodedBody{Reader: reader, underlying: body}, nil
}

func decodeOne(coding string, r io.Reader) (io.Reader, error) {
	switch coding {
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		return inflate(r)
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case "identity":
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported content coding %q", coding)
	}
}

// inflate handles both spellings of deflate in the wild: the
// RFC-correct zlib framing and the bare stream some servers send.
func inflate(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(2)
	if err != nil {
		return nil, err
	}
	if isZlibHeader(head) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

// isZlibHeader checks the CMF/FLG pair: deflate method, valid check
// bits.
func isZlibHeader(head []byte) bool {
	if len(head) < 2 {
		return false
	}
	if head[0]&0x0f != 8 {
		return false
	}
	return (uint16(head[0])<<8|uint16(head[1]))%31 == 0
}

func splitCodings(contentEncoding string) []string {
	if contentEncoding == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(contentEncoding, ",") {
		coding := strings.ToLower(strings.TrimSpace(part))
		if coding == "" || coding == "identity" {
			continue
		}
		out = append(out, coding)
	}
	return out
}

// decodedBody closes the wire body when the decoded view closes.
type decodedBody struct {
	io.Reader
	underlying io.Closer
}

func (d *decodedBody) Close() error {
	if c, ok := d.Reader.(io.Closer); ok {
		c.Close()
	}
	return d.underlying.Close()
}
