package filter

import "testing"

func TestEmptyPredicateMatchesEverything(t *testing.T) {
	expr, err := Compile("")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !Eval(expr, nil) {
		t.Error("empty predicate should match everything, including nil metadata")
	}
}

func TestSimpleEquality(t *testing.T) {
	expr, err := Compile("tier == paid")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !Eval(expr, map[string]string{"tier": "paid"}) {
		t.Error("expected match")
	}
	if Eval(expr, map[string]string{"tier": "free"}) {
		t.Error("expected no match")
	}
	if Eval(expr, map[string]string{}) {
		t.Error("missing key should not match")
	}
}

func TestAndOr(t *testing.T) {
	expr, err := Compile("tier == paid && region == us")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !Eval(expr, map[string]string{"tier": "paid", "region": "us"}) {
		t.Error("expected AND match")
	}
	if Eval(expr, map[string]string{"tier": "paid", "region": "eu"}) {
		t.Error("expected AND non-match")
	}

	orExpr, err := Compile("tier == paid || tier == trial")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !Eval(orExpr, map[string]string{"tier": "trial"}) {
		t.Error("expected OR match")
	}
}

func TestNotAndParens(t *testing.T) {
	expr, err := Compile("!(tier == paid)")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if Eval(expr, map[string]string{"tier": "paid"}) {
		t.Error("expected negated match to fail")
	}
	if !Eval(expr, map[string]string{"tier": "free"}) {
		t.Error("expected negated non-match to succeed")
	}
}

func TestPrecedenceAndBeforeOr(t *testing.T) {
	// a == 1 || b == 1 && c == 1  should parse as  a==1 || (b==1 && c==1)
	expr, err := Compile("a == 1 || b == 1 && c == 1")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !Eval(expr, map[string]string{"a": "1", "b": "0", "c": "0"}) {
		t.Error("expected a==1 branch alone to satisfy the OR")
	}
}

func TestCompileErrors(t *testing.T) {
	cases := []string{
		"tier ==",
		"== paid",
		"tier == paid &&",
		"(tier == paid",
		"tier == paid)",
	}
	for _, c := range cases {
		if _, err := Compile(c); err == nil {
			t.Errorf("expected compile error for %q", c)
		}
	}
}
