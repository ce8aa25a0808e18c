package tokens

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingHash indicates the token carries no hash for the payload key.
	ErrMissingHash = errors.New("token does not contain requested payload hash")

	// ErrMissingPayload indicates the request body lacks the hashed field.
	ErrMissingPayload = errors.New("no payload available to compare with payload hash")

	// ErrUnsupportedHashAlgorithm indicates a hash algorithm other than SHA256.
	ErrUnsupportedHashAlgorithm = errors.New("unsupported hash algorithm")

	// ErrHashMismatch indicates a payload that differs from the signed one.
	ErrHashMismatch = errors.New("payload hash does not match signed hash")
)

// VerifyPayloadHash compares the hashes.<key> claim with the SHA256 digest
// of the body field. Both the spaced encoding produced by common JSON
// serializers (", " and ": " separators, ASCII escapes) and the compact
// encoding are accepted.
func VerifyPayloadHash(claims jwt.MapClaims, key string, payload json.RawMessage) error {
	hashes, _ := claims["hashes"].(map[string]any)
	entry, _ := hashes[key].(map[string]any)
	if len(entry) == 0 {
		return fmt.Errorf("%w: %s", ErrMissingHash, key)
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ErrMissingPayload
	}

	alg, _ := entry["alg"].(string)
	if !strings.EqualFold(alg, "SHA256") {
		return fmt.Errorf("%w: %q", ErrUnsupportedHashAlgorithm, alg)
	}
	signed, _ := entry["hash"].(string)

	digests, err := PayloadDigests(trimmed)
	if err != nil {
		return err
	}
	for _, digest := range digests {
		if digest == strings.ToLower(signed) {
			return nil
		}
	}
	return ErrHashMismatch
}

// PayloadDigests returns the SHA256 hex digests of the spaced and the
// compact encoding of a JSON value.
func PayloadDigests(payload json.RawMessage) ([]string, error) {
	spaced, err := SpacedJSON(payload)
	if err != nil {
		return nil, err
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return nil, err
	}
	return []string{digest(spaced), digest(compact.Bytes())}, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SpacedJSON re-encodes a JSON value keeping key order, separating items
// with ", " and keys with ": " and escaping every non-ASCII rune.
func SpacedJSON(payload json.RawMessage) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()

	var out bytes.Buffer
	if err := writeSpaced(decoder, &out); err != nil {
		return nil, err
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after json value")
	}
	return out.Bytes(), nil
}

func writeSpaced(decoder *json.Decoder, out *bytes.Buffer) error {
	token, err := decoder.Token()
	if err != nil {
		return err
	}

	switch value := token.(type) {
	case json.Delim:
		switch value {
		case '{':
			out.WriteByte('{')
			for i := 0; decoder.More(); i++ {
				if i > 0 {
					out.WriteString(", ")
				}
				keyToken, err := decoder.Token()
				if err != nil {
					return err
				}
				writeString(out, keyToken.(string))
				out.WriteString(": ")
				if err := writeSpaced(decoder, out); err != nil {
					return err
				}
			}
			out.WriteByte('}')
		case '[':
			out.WriteByte('[')
			for i := 0; decoder.More(); i++ {
				if i > 0 {
					out.WriteString(", ")
				}
				if err := writeSpaced(decoder, out); err != nil {
					return err
				}
			}
			out.WriteByte(']')
		}
		_, err := decoder.Token()
		return err
	case string:
		writeString(out, value)
	case json.Number:
		out.WriteString(value.String())
	case bool:
		if value {
			out.WriteString("true")
		} else {
			out.WriteString("false")
		}
	case nil:
		out.WriteString("null")
	}
	return nil
}

func writeString(out *bytes.Buffer, value string) {
	out.WriteByte('"')
	for _, r := range value {
		switch r {
		case '"':
			out.WriteString(`\"`)
		case '\\':
			out.WriteString(`\\`)
		case '\n':
			out.WriteString(`\n`)
		case '\r':
			out.WriteString(`\r`)
		case '\t':
			out.WriteString(`\t`)
		case '\b':
			out.WriteString(`\b`)
		case '\f':
			out.WriteString(`\f`)
		default:
			switch {
			case r < 0x20 || (r > 0x7f && r <= 0xffff):
				fmt.Fprintf(out, `\u%04x`, r)
			case r > 0xffff:
				high, low := utf16.EncodeRune(r)
				fmt.Fprintf(out, `\u%04x\u%04x`, high, low)
			default:
				out.WriteRune(r)
			}
		}
	}
	out.WriteByte('"')
}
