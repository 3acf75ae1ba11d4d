package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/berryselect/berrypick/internal/domain"
)

// Conditions compiles and evaluates the optional CEL eligibility expression
// of a rule. Compiled programs are cached by expression text.
type Conditions struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewConditions creates the CEL environment rule conditions run in.
func NewConditions() (*Conditions, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.IntType),
		cel.Variable("merchant_id", cel.StringType),
		cel.Variable("category_id", cel.StringType),
		cel.Variable("brand_id", cel.StringType),
		cel.Variable("weekday", cel.StringType),
		cel.Variable("minute_of_day", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Conditions{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Validate compiles an expression without caching it.
func (c *Conditions) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := c.compile(expr)
	return err
}

// Check reports whether the expression holds for a purchase. An empty
// expression always holds.
func (c *Conditions) Check(expr string, amount int64, pc domain.PurchaseContext) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}

	program, err := c.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := program.Eval(map[string]any{
		"amount":        amount,
		"merchant_id":   pc.MerchantID,
		"category_id":   pc.CategoryID,
		"brand_id":      pc.BrandID,
		"weekday":       strings.ToUpper(pc.At.Weekday().String()[:3]),
		"minute_of_day": int64(pc.At.Hour()*60 + pc.At.Minute()),
	})
	if err != nil {
		return false, fmt.Errorf("condition evaluation failed: %w", err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("condition returned %s, want bool", out.Type())
	}
	return bool(b), nil
}

func (c *Conditions) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	p, ok := c.programs[expr]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := c.compile(expr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.programs[expr] = p
	c.mu.Unlock()
	return p, nil
}

func (c *Conditions) compile(expr string) (cel.Program, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile condition: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition must return bool, got %s", ast.OutputType())
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return program, nil
}
