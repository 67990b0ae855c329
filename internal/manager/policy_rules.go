package manager

import (
	"fmt"
	"strings"

	"github.com/zonesd/zonesd/internal/config"
	"github.com/zonesd/zonesd/internal/policy"
)

// BuildPolicyRules converts the configuration's ProxyCallRule list (strings,
// as loaded from JSON) into policy.Rule list (typed Effect), validating
// each rule's effect. config.Validate already checks this at load time;
// this conversion is the second half of that contract.
func BuildPolicyRules(cfgRules []config.ProxyCallRule) ([]policy.Rule, error) {
	out := make([]policy.Rule, 0, len(cfgRules))
	for i, r := range cfgRules {
		var effect policy.Effect
		switch strings.ToUpper(r.Effect) {
		case "ALLOW":
			effect = policy.Allow
		case "DENY":
			effect = policy.Deny
		default:
			return nil, fmt.Errorf("proxy_call_rules[%d]: effect %q must be ALLOW or DENY", i, r.Effect)
		}

		out = append(out, policy.Rule{
			CallerGlob:     r.CallerGlob,
			TargetGlob:     r.TargetGlob,
			BusNameGlob:    r.BusNameGlob,
			ObjectPathGlob: r.ObjectPathGlob,
			InterfaceGlob:  r.InterfaceGlob,
			MethodGlob:     r.MethodGlob,
			Effect:         effect,
		})
	}
	return out, nil
}
