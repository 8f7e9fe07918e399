package cfg

import (
	"context"
	"encoding/json"
	"flag"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-affiliates/internal/xerrors"
)

// ParameterGetter is the slice of the SSM client the overlay needs.
// *ssm.Client satisfies it.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// FillFromSSM reads param, a JSON object keyed by flag name, and applies
// each entry to fs unless the flag is in skip (set on the CLI or from the
// environment). Precedence: cli > env > ssm > default.
//
// Values may be JSON strings, numbers or booleans. Unknown keys and values
// the flag rejects are reported together; valid entries are still applied.
// It returns the names of the flags it set.
func FillFromSSM(ctx context.Context, fs *flag.FlagSet, getter ParameterGetter, param string, skip map[string]bool) (map[string]bool, error) {
	out, err := getter.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", param)
	}

	raw := strings.TrimSpace(*out.Parameter.Value)
	if raw == "" {
		return map[string]bool{}, nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, xerrors.Wrapf(err, "SSM parameter %s is not a JSON object", param)
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	applied := make(map[string]bool)
	var problems []string
	for _, name := range names {
		if name == "config-ssm-param" {
			problems = append(problems, name+": cannot be set from SSM")
			continue
		}
		if fs.Lookup(name) == nil {
			problems = append(problems, name+": unknown flag")
			continue
		}
		if skip[name] {
			continue
		}
		val, err := scalar(entries[name])
		if err != nil {
			problems = append(problems, name+": "+err.Error())
			continue
		}
		if err := fs.Set(name, val); err != nil {
			problems = append(problems, name+": "+err.Error())
			continue
		}
		applied[name] = true
	}
	if len(problems) > 0 {
		return applied, xerrors.Newf("SSM parameter %s: %s", param, strings.Join(problems, "; "))
	}
	return applied, nil
}

// scalar renders a JSON string, number or boolean as flag text.
func scalar(m json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(m, &v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case bool, float64:
		// numbers keep their JSON spelling so 10485760 does not become 1.048576e+07
		return string(m), nil
	default:
		return "", xerrors.New("value must be a string, number or boolean")
	}
}
