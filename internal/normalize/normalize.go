package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"parkwatch/internal/config"
	"parkwatch/internal/model"
)

var (
	ErrEmptyIdentity = errors.New("empty tag identity")
	ErrShortIdentity = errors.New("tag identity too short")
)

// TagFields is what a parser pulled out of one reader line before cleanup.
type TagFields struct {
	Timestamp string
	Identity  string
	Reader    string
	Extras    map[string]string
	Raw       string
}

// framing bytes some serial readers wrap around each tag
const frameCutset = "\x02\x03\r\n\t "

// CleanIdentity strips reader framing and whitespace and upper-cases the tag.
func CleanIdentity(raw string) string {
	s := strings.Trim(raw, frameCutset)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\x02', '\x03', '\r', '\n':
			return -1
		}
		return r
	}, s)
	return strings.ToUpper(strings.TrimSpace(s))
}

func Normalize(fields TagFields, cfg *config.Config) (model.TagEvent, error) {
	id := CleanIdentity(fields.Identity)
	if id == "" {
		return model.TagEvent{}, ErrEmptyIdentity
	}
	if len(id) < cfg.Ingest.MinTagLength {
		return model.TagEvent{}, fmt.Errorf("%w: %q", ErrShortIdentity, id)
	}

	ts := time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, time.UTC)
		if err != nil {
			return model.TagEvent{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	return model.TagEvent{
		Identity:  id,
		Timestamp: ts,
		Source:    strings.TrimSpace(fields.Reader),
		Raw:       fields.Raw,
	}, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
