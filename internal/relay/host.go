package relay

import (
	"bytes"
	"fmt"
)

// MaxHostLen is the longest hostname ExtractHost accepts (RFC 1035).
const MaxHostLen = 253

// ExtractHost returns the target hostname named by a raw request: the text
// after the first '/' up to the next one, e.g. "example.com" for
// "GET /example.com/page HTTP/1.0". Consecutive slashes after the first are
// skipped, so an absolute "GET http://example.com/page" names the same host.
// Nothing else about the request is checked.
func ExtractHost(req []byte) (string, error) {
	i := bytes.IndexByte(req, '/')
	if i < 0 {
		return "", fmt.Errorf("%w: no '/' in request", ErrMalformedRequest)
	}
	host := bytes.TrimLeft(req[i+1:], "/")
	if j := bytes.IndexByte(host, '/'); j >= 0 {
		host = host[:j]
	}

	switch {
	case len(host) == 0:
		return "", fmt.Errorf("%w: empty host", ErrMalformedRequest)
	case len(host) > MaxHostLen:
		return "", fmt.Errorf("%w: %d bytes", ErrHostTooLong, len(host))
	}
	for _, c := range host {
		if c <= ' ' || c >= 0x7f {
			return "", fmt.Errorf("%w: invalid byte %#02x in host", ErrMalformedRequest, c)
		}
	}
	return string(host), nil
}
