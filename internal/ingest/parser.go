package ingest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"parkwatch/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-zA-Z_]+)=([^\s]+)`)
)

var (
	identityKeys  = []string{"tag", "identity", "vehicle_id", "vehicle", "uid", "card", "id"}
	timestampKeys = []string{"timestamp", "time", "ts"}
	readerKeys    = []string{"reader", "reader_id", "device", "gate"}
)

// Parser turns one reader line into tag fields. Accepted forms: a bare tag as
// emitted by serial readers, JSON objects, CSV (with or without a header), and
// key=value text with an optional leading timestamp. A Parser remembers a CSV
// header, so use one per stream.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

func (p *Parser) ParseLine(line string) (*normalize.TagFields, error) {
	trim := strings.Trim(line, "\x02\x03\r\n\t ")
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		fields, err := ParseJSONBytes([]byte(trim))
		if err != nil {
			return nil, err
		}
		fields.Raw = line
		return fields, nil
	}
	if strings.Contains(trim, ",") {
		fields, err := p.csv.Parse(trim)
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = line
			return fields, nil
		}
	}
	fields, err := parsePlain(trim)
	if err != nil {
		return nil, err
	}
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func ParseJSONBytes(data []byte) (*normalize.TagFields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

func ParseJSONMap(obj map[string]interface{}) *normalize.TagFields {
	fields := &normalize.TagFields{Extras: map[string]string{}}
	for key, val := range obj {
		fields.Extras[strings.ToLower(key)] = fmt.Sprint(val)
	}
	fields.Identity = firstNonEmpty(fields.Extras, identityKeys...)
	fields.Timestamp = firstNonEmpty(fields.Extras, timestampKeys...)
	fields.Reader = firstNonEmpty(fields.Extras, readerKeys...)
	return fields
}

func parsePlain(line string) (*normalize.TagFields, error) {
	fields := &normalize.TagFields{Extras: map[string]string{}}
	ts, rest := extractTimestamp(line)
	fields.Timestamp = ts

	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		kv[strings.ToLower(match[1])] = match[2]
	}
	for k, v := range kv {
		fields.Extras[k] = v
	}
	fields.Identity = firstNonEmpty(kv, identityKeys...)
	fields.Reader = firstNonEmpty(kv, readerKeys...)

	if fields.Identity == "" && len(kv) == 0 {
		tokens := strings.Fields(rest)
		switch len(tokens) {
		case 0:
		case 1:
			fields.Identity = tokens[0]
		default:
			fields.Reader = tokens[0]
			fields.Identity = tokens[len(tokens)-1]
		}
	}
	if fields.Identity == "" {
		return nil, fmt.Errorf("no tag identity in %q", line)
	}
	return fields, nil
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		ts := strings.TrimSpace(line[m[2]:m[3]])
		rest := strings.TrimSpace(line[m[3]:])
		return ts, rest
	}
	return "", line
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.TagFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	fields := &normalize.TagFields{Extras: map[string]string{}}
	if p.header != nil {
		for i, name := range p.header {
			if i >= len(record) {
				break
			}
			assignField(fields, name, record[i])
		}
		return fields, nil
	}
	// headerless: timestamp,tag[,reader]
	switch len(record) {
	case 1:
		fields.Identity = record[0]
	default:
		fields.Timestamp = record[0]
		fields.Identity = record[1]
		if len(record) >= 3 {
			fields.Reader = record[2]
		}
	}
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		v = strings.ToLower(strings.TrimSpace(v))
		for _, keys := range [][]string{identityKeys, timestampKeys, readerKeys} {
			for _, k := range keys {
				if v == k {
					return true
				}
			}
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func assignField(fields *normalize.TagFields, name string, value string) {
	name = strings.ToLower(strings.TrimSpace(name))
	value = strings.TrimSpace(value)
	switch name {
	case "timestamp", "time", "ts":
		fields.Timestamp = value
	case "tag", "identity", "vehicle_id", "vehicle", "uid", "card", "id":
		fields.Identity = value
	case "reader", "reader_id", "device", "gate":
		fields.Reader = value
	default:
		fields.Extras[name] = value
	}
}
