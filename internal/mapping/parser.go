package mapping

import "fmt"

// ParseError carries the source offset of a compile-time failure.
type ParseError struct {
	Message string
	Offset  int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("mapping: %s (offset %d)", e.Message, e.Offset)
}

// Parse compiles a mapping expression into an AST.
func Parse(expr string) (Ast, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		if le, ok := err.(*lexError); ok {
			return nil, &ParseError{Message: le.msg, Offset: le.offset}
		}
		return nil, &ParseError{Message: err.Error()}
	}
	p := &parser{tokens: tokens}
	result, err := p.expr(0)
	if err != nil {
		return nil, err
	}
	if p.peek(0).Kind != TEOF {
		return nil, p.errorf(p.peek(0), "did not parse the complete expression")
	}
	return result, nil
}

type parser struct {
	tokens []Token
	pos    int
}

func (p *parser) peek(lookahead int) Token {
	idx := p.pos + lookahead
	if idx >= len(p.tokens) {
		return Token{Kind: TEOF}
	}
	return p.tokens[idx]
}

func (p *parser) advance() Token {
	t := p.peek(0)
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t Token, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return &ParseError{Message: fmt.Sprintf("%s -- found token kind %d", msg, t.Kind), Offset: t.Offset}
}

// expr is the Pratt-parser core: parse a nud, then keep consuming leds
// whose binding power exceeds rbp.
func (p *parser) expr(rbp int) (Ast, error) {
	left, err := p.nud()
	if err != nil {
		return nil, err
	}
	for rbp < p.peek(0).lbp() {
		left, err = p.led(left)
		if err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *parser) nud() (Ast, error) {
	t := p.advance()
	switch t.Kind {
	case TAt:
		return Identity{}, nil
	case TIdentifier:
		return Field{Name: t.Str}, nil
	case TQuotedIdentifier:
		if p.peek(0).Kind == TLparen {
			return nil, p.errorf(p.peek(0), "quoted strings can't be a function name")
		}
		return Field{Name: t.Str}, nil
	case TStar:
		return p.parseWildcardValues(Identity{})
	case TLiteral:
		return Literal{Value: t.Value}, nil
	case TString:
		return Literal{Value: t.Value}, nil
	case TNumber:
		return Literal{Value: float64(t.Num)}, nil
	case TLbracket:
		switch p.peek(0).Kind {
		case TNumber, TColon:
			return p.parseIndex()
		case TStar:
			if p.peek(1).Kind == TRbracket {
				p.advance()
				return p.parseWildcardIndex(Identity{})
			}
			return p.parseMultiList()
		default:
			return p.parseMultiList()
		}
	case TFlatten:
		return p.parseFlatten(Identity{})
	case TLbrace:
		var pairs []KeyValuePair
		if p.peek(0).Kind == TRbrace {
			p.advance()
			return MultiHash{Elements: pairs}, nil
		}
		for {
			kvp, err := p.parseKVP()
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, kvp)
			switch p.advance().Kind {
			case TRbrace:
				return MultiHash{Elements: pairs}, nil
			case TComma:
				continue
			default:
				return nil, p.errorf(p.peek(0), "expected '}' or ','")
			}
		}
	case TAmpersand:
		rhs, err := p.expr(t.lbp())
		if err != nil {
			return nil, err
		}
		return Expref{Ast: rhs}, nil
	case TNot:
		node, err := p.expr(t.lbp())
		if err != nil {
			return nil, err
		}
		return Not{Node: node}, nil
	case TFilter:
		return p.parseFilter(Identity{})
	case TLparen:
		result, err := p.expr(0)
		if err != nil {
			return nil, err
		}
		if p.advance().Kind != TRparen {
			return nil, p.errorf(p.peek(0), "expected ')' to close '('")
		}
		return result, nil
	default:
		return nil, p.errorf(t, "unexpected token in nud position")
	}
}

func (p *parser) led(left Ast) (Ast, error) {
	t := p.advance()
	switch t.Kind {
	case TDot:
		if p.peek(0).Kind == TStar {
			p.advance()
			return p.parseWildcardValues(left)
		}
		rhs, err := p.parseDot(t.lbp())
		if err != nil {
			return nil, err
		}
		return Subexpr{LHS: left, RHS: rhs}, nil
	case TLbracket:
		switch p.peek(0).Kind {
		case TNumber, TColon:
			rhs, err := p.parseIndex()
			if err != nil {
				return nil, err
			}
			return Subexpr{LHS: left, RHS: rhs}, nil
		default:
			p.advance()
			return p.parseWildcardIndex(left)
		}
	case TOr:
		rhs, err := p.expr(t.lbp())
		if err != nil {
			return nil, err
		}
		return Or{LHS: left, RHS: rhs}, nil
	case TAnd:
		rhs, err := p.expr(t.lbp())
		if err != nil {
			return nil, err
		}
		return And{LHS: left, RHS: rhs}, nil
	case TPipe:
		rhs, err := p.expr(t.lbp())
		if err != nil {
			return nil, err
		}
		return Subexpr{LHS: left, RHS: rhs}, nil
	case TLparen:
		field, ok := left.(Field)
		if !ok {
			return nil, p.errorf(p.peek(0), "invalid function call: left-hand side is not a field")
		}
		args, err := p.parseList(TRparen)
		if err != nil {
			return nil, err
		}
		return Function{Name: field.Name, Args: args}, nil
	case TFlatten:
		return p.parseFlatten(left)
	case TFilter:
		return p.parseFilter(left)
	case TEq:
		return p.parseComparator(Equal, left)
	case TNe:
		return p.parseComparator(NotEqual, left)
	case TGt:
		return p.parseComparator(GreaterThan, left)
	case TGte:
		return p.parseComparator(GreaterThanEqual, left)
	case TLt:
		return p.parseComparator(LessThan, left)
	case TLte:
		return p.parseComparator(LessThanEqual, left)
	default:
		return nil, p.errorf(t, "unexpected token in led position")
	}
}

func (p *parser) parseKVP() (KeyValuePair, error) {
	key := p.advance()
	if key.Kind != TIdentifier && key.Kind != TQuotedIdentifier {
		return KeyValuePair{}, p.errorf(key, "expected a key (identifier) in object")
	}
	if p.peek(0).Kind != TColon {
		return KeyValuePair{}, p.errorf(p.peek(0), "expected ':' after key")
	}
	p.advance()
	val, err := p.expr(0)
	if err != nil {
		return KeyValuePair{}, err
	}
	return KeyValuePair{Key: key.Str, Value: val}, nil
}

// parseFilter parses `[? predicate ]` plus any projection continuation;
// the "then" branch defaults to an Identity node (the filtered element is
// passed through as-is) when the next token binds below projectionStop.
func (p *parser) parseFilter(lhs Ast) (Ast, error) {
	predicate, err := p.expr(0)
	if err != nil {
		return nil, err
	}
	if p.advance().Kind != TRbracket {
		return nil, p.errorf(p.peek(0), "expected ']' after filter condition")
	}
	then, err := p.projectionRHS(Token{Kind: TFilter}.lbp())
	if err != nil {
		return nil, err
	}
	return Projection{
		LHS: lhs,
		RHS: Condition{Predicate: predicate, Then: then},
	}, nil
}

func (p *parser) parseFlatten(lhs Ast) (Ast, error) {
	rhs, err := p.projectionRHS(Token{Kind: TFlatten}.lbp())
	if err != nil {
		return nil, err
	}
	return Projection{LHS: Flatten{Node: lhs}, RHS: rhs}, nil
}

func (p *parser) parseComparator(cmp Comparator, lhs Ast) (Ast, error) {
	rhs, err := p.expr(Token{Kind: TEq}.lbp())
	if err != nil {
		return nil, err
	}
	return Comparison{Comparator: cmp, LHS: lhs, RHS: rhs}, nil
}

func (p *parser) parseDot(lbp int) (Ast, error) {
	if p.peek(0).Kind == TLbracket {
		p.advance()
		return p.parseMultiList()
	}
	return p.expr(lbp)
}

// projectionRHS decides how a projection's right-hand side continues:
// through '.', through '[' or '[?', or — if the next token's binding
// power is below projectionStop — defaulting to Identity.
func (p *parser) projectionRHS(lbp int) (Ast, error) {
	switch p.peek(0).Kind {
	case TDot:
		p.advance()
		return p.parseDot(lbp)
	case TLbracket, TFilter:
		return p.expr(lbp)
	default:
		if p.peek(0).lbp() < projectionStop {
			return Identity{}, nil
		}
		return nil, p.errorf(p.peek(0), "expected '.', '[', or '[?'")
	}
}

func (p *parser) parseWildcardIndex(lhs Ast) (Ast, error) {
	if p.advance().Kind != TRbracket {
		return nil, p.errorf(p.peek(0), "expected ']' for wildcard index")
	}
	rhs, err := p.projectionRHS(Token{Kind: TStar}.lbp())
	if err != nil {
		return nil, err
	}
	return Projection{LHS: lhs, RHS: rhs}, nil
}

func (p *parser) parseWildcardValues(lhs Ast) (Ast, error) {
	rhs, err := p.projectionRHS(Token{Kind: TStar}.lbp())
	if err != nil {
		return nil, err
	}
	return Projection{LHS: ObjectValues{Node: lhs}, RHS: rhs}, nil
}

// parseIndex parses `[n]`, `[start:stop]`, `[start:stop:step]`.
func (p *parser) parseIndex() (Ast, error) {
	var parts [3]*int
	pos := 0
	for {
		tok := p.advance()
		switch tok.Kind {
		case TNumber:
			n := tok.Num
			parts[pos] = &n
			switch p.peek(0).Kind {
			case TColon, TRbracket:
			default:
				return nil, p.errorf(p.peek(0), "expected ':' or ']'")
			}
		case TRbracket:
			goto done
		case TColon:
			if pos >= 2 {
				return nil, p.errorf(tok, "too many colons in slice expression")
			}
			pos++
			switch p.peek(0).Kind {
			case TNumber, TColon, TRbracket:
			default:
				return nil, p.errorf(p.peek(0), "expected number, ':' or ']'")
			}
		default:
			return nil, p.errorf(tok, "expected number, ':', or ']'")
		}
	}
done:
	if pos == 0 {
		if parts[0] == nil {
			return nil, &ParseError{Message: "expected index number, found none"}
		}
		return Index{Idx: *parts[0]}, nil
	}
	step := 1
	if parts[2] != nil {
		step = *parts[2]
	}
	rhs, err := p.projectionRHS(Token{Kind: TStar}.lbp())
	if err != nil {
		return nil, err
	}
	return Projection{
		LHS: Slice{Start: parts[0], Stop: parts[1], Step: step},
		RHS: rhs,
	}, nil
}

// parseMultiList parses `[e1, e2, ...]`. A single quoted-identifier-like
// literal string collapses to a plain Field, mirroring the reference
// parser's special case for `["foo"]`.
func (p *parser) parseMultiList() (Ast, error) {
	elements, err := p.parseList(TRbracket)
	if err != nil {
		return nil, err
	}
	if len(elements) == 1 {
		if lit, ok := elements[0].(Literal); ok {
			if s, ok := lit.Value.(string); ok {
				return Field{Name: s}, nil
			}
		}
	}
	return MultiList{Elements: elements}, nil
}

func (p *parser) parseList(closing TokenKind) ([]Ast, error) {
	var nodes []Ast
	for p.peek(0).Kind != closing {
		n, err := p.expr(0)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
		if p.peek(0).Kind == TComma {
			p.advance()
			if p.peek(0).Kind == closing {
				return nil, p.errorf(p.peek(0), "invalid trailing comma")
			}
		}
	}
	p.advance() // consume closing token
	return nodes, nil
}
