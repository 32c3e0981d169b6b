package syncstate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// UpdateTopic is the channel topic the frontend publishes envelopes on.
const UpdateTopic = "state-update"

// TopicFor returns the outbound topic for key.
func TopicFor(key string) string {
	return key + "_update"
}

// Envelope is the wire message carrying one key's full replacement value.
type Envelope struct {
	// Version is advisory. Outbound envelopes carry the slot revision;
	// inbound versions are never used to reject an update.
	Version *Version `json:"version"`
	// Name is the registry key.
	Name string `json:"name"`
	// Value is the JSON encoding of the new value.
	Value string `json:"value"`

	// invalidVersion is the raw text of a version that failed to parse.
	invalidVersion string
}

// UnmarshalJSON decodes an envelope. A version that is not an unsigned
// 128-bit integer leaves Version nil instead of failing the envelope.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		Version json.RawMessage `json:"version"`
		Name    string          `json:"name"`
		Value   string          `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Envelope{Name: raw.Name, Value: raw.Value}

	version := bytes.TrimSpace(raw.Version)
	if len(version) == 0 || string(version) == "null" {
		return nil
	}
	parsed, err := parseVersionJSON(version)
	if err != nil {
		e.invalidVersion = string(version)
		return nil
	}
	e.Version = parsed
	return nil
}

// Version is an unsigned 128-bit counter. It encodes to JSON as a bare
// decimal number and decodes from either a number or a decimal string.
type Version struct {
	hi, lo uint64
}

var maxVersion = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// NewVersion returns a version holding n.
func NewVersion(n uint64) *Version {
	return &Version{lo: n}
}

// ParseVersion parses a base-10 unsigned 128-bit integer written as plain
// digits.
func ParseVersion(s string) (*Version, error) {
	if !isDigits(s) {
		return nil, fmt.Errorf("syncstate: invalid version %q", s)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("syncstate: invalid version %q", s)
	}
	return versionFromBig(n, s)
}

// parseVersionJSON accepts a quoted decimal string or a JSON number. Numbers
// in exponent form are accepted when they are integral, which is how
// encoders that go through float64 write large values.
func parseVersionJSON(data []byte) (*Version, error) {
	s := string(data)
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return ParseVersion(s)
	}
	if isDigits(s) {
		return ParseVersion(s)
	}
	f, _, err := big.ParseFloat(s, 10, 256, big.ToNearestEven)
	if err != nil || !f.IsInt() {
		return nil, fmt.Errorf("syncstate: invalid version %q", s)
	}
	n, _ := f.Int(nil)
	return versionFromBig(n, s)
}

func versionFromBig(n *big.Int, s string) (*Version, error) {
	if n.Sign() < 0 || n.Cmp(maxVersion) > 0 {
		return nil, fmt.Errorf("syncstate: invalid version %q", s)
	}
	lo := new(big.Int).And(n, new(big.Int).SetUint64(^uint64(0)))
	hi := new(big.Int).Rsh(n, 64)
	return &Version{hi: hi.Uint64(), lo: lo.Uint64()}, nil
}

// Uint64 returns the low 64 bits and whether the value fits in them.
func (v Version) Uint64() (uint64, bool) {
	return v.lo, v.hi == 0
}

func (v Version) bigInt() *big.Int {
	n := new(big.Int).SetUint64(v.hi)
	n.Lsh(n, 64)
	return n.Or(n, new(big.Int).SetUint64(v.lo))
}

func (v Version) String() string {
	return v.bigInt().String()
}

// MarshalJSON implements json.Marshaler.
func (v Version) MarshalJSON() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Version) UnmarshalJSON(data []byte) error {
	parsed, err := parseVersionJSON(bytes.TrimSpace(data))
	if err != nil {
		return err
	}
	*v = *parsed
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
