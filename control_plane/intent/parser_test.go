package intent

import "testing"

func TestParseScaleRequest(t *testing.T) {
	p := NewRegexParser().Parse("scale up the api in us-east")

	if p.ScaleRequest == nil {
		t.Fatal("expected a scale request")
	}
	want := ScaleRequest{Direction: "up", Service: "api", Region: "us-east"}
	if *p.ScaleRequest != want {
		t.Errorf("got %+v, want %+v", *p.ScaleRequest, want)
	}
	if p.SecurityRequest != nil || p.CostRequest != nil {
		t.Errorf("unexpected extra categories: %+v", p)
	}
}

func TestParseVariants(t *testing.T) {
	cases := []struct {
		text     string
		scale    *ScaleRequest
		security bool
		cost     bool
	}{
		{"Scale DOWN checkout service in eu-west-1", &ScaleRequest{"down", "checkout", "eu-west-1"}, false, false},
		{"scale up payments in ap-south", &ScaleRequest{"up", "payments", "ap-south"}, false, false},
		{"tighten the firewall rules", nil, true, false},
		{"show me spending and security posture", nil, true, true},
		{"scale up the api in us-east and review costs", &ScaleRequest{"up", "api", "us-east"}, false, true},
		{"scale the api", nil, false, false},
	}

	parser := NewRegexParser()
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			p := parser.Parse(tc.text)
			if tc.scale == nil && p.ScaleRequest != nil {
				t.Errorf("unexpected scale request %+v", *p.ScaleRequest)
			}
			if tc.scale != nil && (p.ScaleRequest == nil || *p.ScaleRequest != *tc.scale) {
				t.Errorf("scale = %+v, want %+v", p.ScaleRequest, *tc.scale)
			}
			if (p.SecurityRequest != nil) != tc.security {
				t.Errorf("security = %v, want %v", p.SecurityRequest != nil, tc.security)
			}
			if (p.CostRequest != nil) != tc.cost {
				t.Errorf("cost = %v, want %v", p.CostRequest != nil, tc.cost)
			}
		})
	}
}

func TestParseUnmatchedIsEmpty(t *testing.T) {
	p := NewRegexParser().Parse("hello")
	if !p.Empty() {
		t.Errorf("expected empty intent, got %+v", p)
	}
	if actions := Plan(p); len(actions) != 0 {
		t.Errorf("expected no actions, got %d", len(actions))
	}
}

func TestPlanOrder(t *testing.T) {
	p := NewRegexParser().Parse("cost of firewall after we scale up web in us-west")
	actions := Plan(p)
	if len(actions) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(actions))
	}
	if actions[0].Action != ActionScale || actions[1].Action != ActionSecurityScan || actions[2].Action != ActionCostReport {
		t.Errorf("unexpected order: %+v", actions)
	}
	if actions[0].Parameters["service"] != "web" {
		t.Errorf("scale parameters not carried: %+v", actions[0].Parameters)
	}
}
