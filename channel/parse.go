package channel

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/mitchellh/mapstructure"
)

// DefaultPrefix marks inbound messages that should parse as commands.
const DefaultPrefix = "/"

// Parser turns inbound messages into commands.
//
// The grammar is a single line of the form
//
//	<prefix><name> [key=value]...
//
// Values may be single or double quoted to embed spaces. Inside double
// quotes \" and \\ escape. Duplicate keys keep the last value.
type Parser struct {
	prefix string
}

func NewParser(prefix string) *Parser {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Parser{prefix: prefix}
}

func (p *Parser) Prefix() string {
	return p.prefix
}

// Parse parses msg. Messages without the prefix return ErrNotCommand and
// are not an error condition. Prefixed messages that violate the grammar
// return a *ParseError whose text is safe to echo back to the sender.
func (p *Parser) Parse(msg RawMessage) (Command, error) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, p.prefix) {
		return Command{}, ErrNotCommand
	}
	toks, err := tokenize(text[len(p.prefix):], len(p.prefix))
	if err != nil {
		return Command{}, err
	}
	if len(toks) == 0 {
		return Command{}, &ParseError{Pos: len(p.prefix), Reason: "missing command name"}
	}
	name := toks[0]
	if !validIdent(name.text) {
		return Command{}, &ParseError{Pos: name.pos, Reason: fmt.Sprintf("invalid command name %q", name.text)}
	}
	cmd := Command{
		Name:  strings.ToLower(name.text),
		Reply: msg.Reply(),
		Raw:   msg.Text,
		Time:  msg.Time,
	}
	if len(toks) > 1 {
		cmd.Params = make(map[string]string, len(toks)-1)
		for _, tok := range toks[1:] {
			key, value, err := splitParam(tok)
			if err != nil {
				return Command{}, err
			}
			cmd.Params[key] = value
		}
	}
	return cmd, nil
}

// DecodeParams decodes the string params of cmd into a typed options struct,
// converting weakly so numeric and boolean fields accept their string forms.
func DecodeParams(cmd Command, v interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           v,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(cmd.Params)
}

type cmdToken struct {
	pos  int
	text string
}

// tokenize splits s on unquoted whitespace, keeping quotes in place.
// Positions are relative to the original message, offset accounts for the
// stripped prefix.
func tokenize(s string, offset int) ([]cmdToken, error) {
	var toks []cmdToken
	i := 0
	for i < len(s) {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) {
			break
		}
		start := i
		var quote byte
		quoteStart := 0
		for i < len(s) {
			c := s[i]
			if quote != 0 {
				if quote == '"' && c == '\\' && i+1 < len(s) {
					i += 2
					continue
				}
				if c == quote {
					quote = 0
				}
				i++
				continue
			}
			if c == '"' || c == '\'' {
				quote = c
				quoteStart = i
				i++
				continue
			}
			if isSpace(c) {
				break
			}
			i++
		}
		if quote != 0 {
			return nil, &ParseError{Pos: offset + quoteStart, Reason: "unterminated quote"}
		}
		toks = append(toks, cmdToken{pos: offset + start, text: s[start:i]})
	}
	return toks, nil
}

func splitParam(tok cmdToken) (key, value string, err error) {
	eq := strings.IndexByte(tok.text, '=')
	if eq < 0 {
		return "", "", &ParseError{Pos: tok.pos, Reason: fmt.Sprintf("expected key=value, got %q", tok.text)}
	}
	key = tok.text[:eq]
	if !validIdent(key) {
		return "", "", &ParseError{Pos: tok.pos, Reason: fmt.Sprintf("invalid parameter key %q", key)}
	}
	value, err = unquote(tok.text[eq+1:], tok.pos+eq+1)
	return key, value, err
}

// unquote strips a matching pair of outer quotes.
// Quotes that do not open the value stay literal.
func unquote(s string, pos int) (string, error) {
	if len(s) == 0 {
		return "", nil
	}
	q := s[0]
	if q != '"' && q != '\'' {
		return s, nil
	}
	if len(s) < 2 || s[len(s)-1] != q {
		return "", &ParseError{Pos: pos, Reason: "malformed quoted value"}
	}
	inner := s[1 : len(s)-1]
	if q == '\'' || !strings.Contains(inner, `\`) {
		return inner, nil
	}
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) && (inner[i+1] == '"' || inner[i+1] == '\\') {
			i++
		}
		b.WriteByte(inner[i])
	}
	return b.String(), nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return false
		}
	}
	return true
}
