package template

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// templateLexer splits a template into text runs and tag tokens. Tags push
// a state that knows expressions; the closing braces pop back to text.
var templateLexer = lexer.MustStateful(lexer.Rules{
	"Root": {
		{Name: "Comment", Pattern: `\{\{~?!--(?s:.*?)--~?\}\}|\{\{~?!(?s:.*?)\}\}`},
		{Name: "OpenRaw", Pattern: `\{\{~?\{`, Action: lexer.Push("RawTag")},
		{Name: "OpenBlock", Pattern: `\{\{~?\s*#`, Action: lexer.Push("Tag")},
		{Name: "OpenInverse", Pattern: `\{\{~?\s*\^`, Action: lexer.Push("Tag")},
		{Name: "OpenEnd", Pattern: `\{\{~?\s*/`, Action: lexer.Push("Tag")},
		{Name: "Open", Pattern: `\{\{~?`, Action: lexer.Push("Tag")},
		{Name: "Text", Pattern: `[^{]+|\{`},
	},
	"Tag": {
		{Name: "Close", Pattern: `~?\}\}`, Action: lexer.Pop()},
		lexer.Include("Expr"),
	},
	"RawTag": {
		{Name: "RawClose", Pattern: `~?\}\}\}`, Action: lexer.Pop()},
		lexer.Include("Expr"),
	},
	"Expr": {
		{Name: "Whitespace", Pattern: `\s+`},
		{Name: "String", Pattern: `"(?:\\.|[^"\\])*"|'(?:\\.|[^'\\])*'`},
		{Name: "Number", Pattern: `-?\d+(?:\.\d+)?`},
		{Name: "Path", Pattern: `(?:\.\./)*(?:@?[A-Za-z_$][\w$\-]*|\.)(?:[./][\w$\-]+)*`},
		{Name: "Eq", Pattern: `=`},
		{Name: "LParen", Pattern: `\(`},
		{Name: "RParen", Pattern: `\)`},
		{Name: "Amp", Pattern: `&`},
	},
})

var symbols = templateLexer.Symbols()

func tokenType(name string) lexer.TokenType {
	return symbols[name]
}

var (
	tokComment     = tokenType("Comment")
	tokOpenRaw     = tokenType("OpenRaw")
	tokOpenBlock   = tokenType("OpenBlock")
	tokOpenInverse = tokenType("OpenInverse")
	tokOpenEnd     = tokenType("OpenEnd")
	tokOpen        = tokenType("Open")
	tokText        = tokenType("Text")
	tokClose       = tokenType("Close")
	tokRawClose    = tokenType("RawClose")
	tokWhitespace  = tokenType("Whitespace")
	tokString      = tokenType("String")
	tokNumber      = tokenType("Number")
	tokPath        = tokenType("Path")
	tokEq          = tokenType("Eq")
	tokLParen      = tokenType("LParen")
	tokRParen      = tokenType("RParen")
	tokAmp         = tokenType("Amp")
)

func tokenize(src string) ([]lexer.Token, error) {
	lex, err := templateLexer.LexString("", src)
	if err != nil {
		return nil, err
	}
	return lexer.ConsumeAll(lex)
}
