package grammar

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-ebus/internal/bridges/ebus"
)

// Grammar loading constants.
const (
	// fetchTimeout bounds an HTTP grammar download.
	fetchTimeout = 10 * time.Second

	// maxGrammarSize caps the grammar document size.
	maxGrammarSize = 4 << 20

	partMaster = "master"
	partSlave  = "slave"
)

//go:embed default.yaml
var defaultGrammar []byte

// DefaultGrammar returns the bundled grammar document.
func DefaultGrammar() []byte {
	out := make([]byte, len(defaultGrammar))
	copy(out, defaultGrammar)
	return out
}

// Document is the top-level grammar file.
type Document struct {
	Entries []Entry `yaml:"entries" json:"entries"`
}

// Entry describes one decodable command.
type Entry struct {
	// ID prefixes every value name. May be empty.
	ID string `yaml:"id" json:"id"`

	// Comment is free text, ignored by the decoder.
	Comment string `yaml:"comment" json:"comment"`

	// Command is PB SB as hex, e.g. "b5 11".
	Command string `yaml:"command" json:"command"`

	// Dst restricts the entry to one destination address (hex).
	Dst string `yaml:"dst" json:"dst"`

	// DataLength restricts the entry to a master data length.
	DataLength *int `yaml:"data_length" json:"data_length"`

	// Match restricts the entry to master data starting with these bytes (hex).
	Match string `yaml:"match" json:"match"`

	// Values maps value names to their definitions.
	Values map[string]Value `yaml:"values" json:"values"`
}

// Value describes one field inside a telegram.
type Value struct {
	// Type is the wire type, see the Type constants.
	Type string `yaml:"type" json:"type"`

	// Pos is the 1-based position in the selected data part.
	Pos int `yaml:"pos" json:"pos"`

	// Part selects "master" (default) or "slave" data.
	Part string `yaml:"part" json:"part"`

	// Factor scales numeric values. Default: 1.
	Factor float64 `yaml:"factor" json:"factor"`

	// Bit selects the bit (0-7) for the bit type.
	Bit int `yaml:"bit" json:"bit"`

	// Length is the byte count for the string type.
	Length int `yaml:"length" json:"length"`

	// Min and Max bound valid numeric values; outside values are absent.
	Min *float64 `yaml:"min" json:"min"`
	Max *float64 `yaml:"max" json:"max"`

	// Map translates raw integer values to text.
	Map map[int]string `yaml:"map" json:"map"`
}

// compiled forms

type valueDef struct {
	Value
	name   string
	slave  bool
	width  int
	factor float64
}

type entryDef struct {
	id         string
	primary    byte
	secondary  byte
	dst        *byte
	dataLength *int
	match      []byte
	values     []*valueDef
}

func (e *entryDef) matches(t ebus.Telegram) bool {
	if e.dst != nil && t.Destination() != *e.dst {
		return false
	}
	data := t.Data()
	if e.dataLength != nil && len(data) != *e.dataLength {
		return false
	}
	return bytes.HasPrefix(data, e.match)
}

// Logger is the logging interface used by the parser.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Parser decodes telegrams with a loaded grammar. It implements
// ebus.Decoder.
//
// Thread Safety: All methods are safe for concurrent use. LoadGrammar
// swaps the grammar atomically.
type Parser struct {
	mu      sync.RWMutex
	index   map[uint16][]*entryDef
	entries int

	httpClient *http.Client
	logger     Logger
}

var _ ebus.Decoder = (*Parser)(nil)

// NewParser creates a parser with no grammar loaded.
func NewParser() *Parser {
	return &Parser{
		index:      make(map[uint16][]*entryDef),
		httpClient: &http.Client{Timeout: fetchTimeout},
	}
}

// SetLogger sets the logger for decode diagnostics.
func (p *Parser) SetLogger(logger Logger) {
	p.mu.Lock()
	p.logger = logger
	p.mu.Unlock()
}

// SetHTTPClient replaces the client used for http(s) locations.
func (p *Parser) SetHTTPClient(c *http.Client) {
	if c == nil {
		return
	}
	p.mu.Lock()
	p.httpClient = c
	p.mu.Unlock()
}

// LoadGrammar reads and compiles the grammar at location. An empty
// location loads the bundled default. Errors wrap ebus.ErrGrammarLoad.
func (p *Parser) LoadGrammar(ctx context.Context, location string) error {
	data, err := p.read(ctx, location)
	if err != nil {
		return fmt.Errorf("%w: %w", ebus.ErrGrammarLoad, err)
	}
	if err := p.Load(data); err != nil {
		return fmt.Errorf("%w: %s: %w", ebus.ErrGrammarLoad, labelOf(location), err)
	}
	return nil
}

func labelOf(location string) string {
	if location == "" {
		return "default grammar"
	}
	return location
}

// Load compiles a grammar document and replaces the current grammar.
func (p *Parser) Load(data []byte) error {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("grammar is empty")
		}
		return fmt.Errorf("parsing grammar: %w", err)
	}

	index, n, err := compile(doc)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.index = index
	p.entries = n
	p.mu.Unlock()
	return nil
}

// Entries returns the number of compiled entries.
func (p *Parser) Entries() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries
}

// Decode returns the fields of every entry matching t.
func (p *Parser) Decode(t ebus.Telegram) (map[string]ebus.FieldValue, bool) {
	p.mu.RLock()
	candidates := p.index[t.Command()]
	logger := p.logger
	p.mu.RUnlock()

	var out map[string]ebus.FieldValue
	for _, e := range candidates {
		if !e.matches(t) {
			continue
		}
		if out == nil {
			out = make(map[string]ebus.FieldValue, len(e.values))
		}
		for _, def := range e.values {
			v, err := decodeValue(def, t)
			if err != nil && logger != nil {
				logger.Warn("decoding value", "name", def.name, "error", err)
			}
			out[def.name] = v
		}
	}
	if out == nil {
		if logger != nil {
			logger.Debug("no grammar entry for telegram", "telegram", t.String())
		}
		return nil, false
	}
	return out, true
}

// read fetches the raw grammar document.
func (p *Parser) read(ctx context.Context, location string) ([]byte, error) {
	if location == "" {
		return DefaultGrammar(), nil
	}

	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain path (a one-letter scheme is a Windows drive)
		return readFile(location)
	}

	switch u.Scheme {
	case "file":
		path := u.Path
		if u.Host != "" {
			path = u.Host + path
		}
		return readFile(path)
	case "http", "https":
		return p.fetch(ctx, u.String())
	default:
		return nil, fmt.Errorf("unsupported grammar location scheme %q", u.Scheme)
	}
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("reading grammar file: %w", err)
	}
	return data, nil
}

func (p *Parser) fetch(ctx context.Context, location string) ([]byte, error) {
	p.mu.RLock()
	client := p.httpClient
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("building grammar request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching grammar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching grammar: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxGrammarSize))
	if err != nil {
		return nil, fmt.Errorf("reading grammar response: %w", err)
	}
	return data, nil
}

// compile validates a document and builds the command index.
// All problems are reported together.
func compile(doc Document) (map[uint16][]*entryDef, int, error) {
	index := make(map[uint16][]*entryDef)
	var errs []string

	for i, e := range doc.Entries {
		where := fmt.Sprintf("entry %d", i+1)
		if e.ID != "" {
			where = fmt.Sprintf("entry %q", e.ID)
		}

		def, entryErrs := compileEntry(e)
		for _, msg := range entryErrs {
			errs = append(errs, where+": "+msg)
		}
		if len(entryErrs) > 0 {
			continue
		}
		key := uint16(def.primary)<<8 | uint16(def.secondary)
		index[key] = append(index[key], def)
	}

	if len(errs) > 0 {
		return nil, 0, fmt.Errorf("invalid grammar:\n  - %s", strings.Join(errs, "\n  - "))
	}

	n := 0
	for _, defs := range index {
		n += len(defs)
	}
	return index, n, nil
}

func compileEntry(e Entry) (*entryDef, []string) {
	var errs []string
	def := &entryDef{id: e.ID, dataLength: e.DataLength}

	cmd, err := parseHex(e.Command)
	switch {
	case err != nil:
		errs = append(errs, fmt.Sprintf("command: %v", err))
	case len(cmd) != 2: //nolint:mnd // PB SB
		errs = append(errs, fmt.Sprintf("command must be 2 bytes, got %d", len(cmd)))
	default:
		def.primary, def.secondary = cmd[0], cmd[1]
	}

	if e.Dst != "" {
		dst, err := parseHex(e.Dst)
		if err != nil || len(dst) != 1 {
			errs = append(errs, fmt.Sprintf("dst must be one hex byte, got %q", e.Dst))
		} else {
			def.dst = &dst[0]
		}
	}

	if e.DataLength != nil && (*e.DataLength < 0 || *e.DataLength > ebus.MaxDataLength) {
		errs = append(errs, fmt.Sprintf("data_length %d out of range 0..%d", *e.DataLength, ebus.MaxDataLength))
	}

	if e.Match != "" {
		m, err := parseHex(e.Match)
		if err != nil {
			errs = append(errs, fmt.Sprintf("match: %v", err))
		}
		def.match = m
	}

	if len(e.Values) == 0 {
		errs = append(errs, "no values defined")
	}

	names := make([]string, 0, len(e.Values))
	for name := range e.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v, verrs := compileValue(e.ID, name, e.Values[name])
		errs = append(errs, verrs...)
		if v != nil {
			def.values = append(def.values, v)
		}
	}

	return def, errs
}

func compileValue(entryID, name string, v Value) (*valueDef, []string) {
	var errs []string
	prefix := "value " + name + ": "

	if name == "" {
		errs = append(errs, "value with empty name")
	}
	width := typeWidth(v.Type, v.Length)
	if width == 0 {
		if v.Type == TypeString {
			errs = append(errs, prefix+"string needs length >= 1")
		} else {
			errs = append(errs, prefix+fmt.Sprintf("unknown type %q", v.Type))
		}
	}
	if v.Pos < 1 {
		errs = append(errs, prefix+fmt.Sprintf("pos must be >= 1, got %d", v.Pos))
	}
	if v.Pos-1+width > ebus.MaxDataLength {
		errs = append(errs, prefix+fmt.Sprintf("pos %d with width %d exceeds data length", v.Pos, width))
	}
	if v.Type == TypeBit && (v.Bit < 0 || v.Bit > 7) {
		errs = append(errs, prefix+fmt.Sprintf("bit must be 0..7, got %d", v.Bit))
	}
	part := strings.ToLower(v.Part)
	if part != "" && part != partMaster && part != partSlave {
		errs = append(errs, prefix+fmt.Sprintf("part must be master or slave, got %q", v.Part))
	}
	if v.Min != nil && v.Max != nil && *v.Min > *v.Max {
		errs = append(errs, prefix+"min is greater than max")
	}
	if len(errs) > 0 {
		return nil, errs
	}

	factor := v.Factor
	if factor == 0 {
		factor = 1
	}
	full := name
	if entryID != "" {
		full = entryID + "." + name
	}
	return &valueDef{
		Value:  v,
		name:   full,
		slave:  part == partSlave,
		width:  width,
		factor: factor,
	}, nil
}

// parseHex decodes hex with optional whitespace, e.g. "b5 11".
func parseHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.Join(strings.Fields(s), ""))
}
