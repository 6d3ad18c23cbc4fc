package collab

import (
	"strings"

	"github.com/google/shlex"

	"mediamill/faults"
)

// SplitExtraArgs securely splits user-supplied encoder arguments into a
// slice. No shell is ever involved, so injection is limited to what the
// encoder binary itself accepts.
func SplitExtraArgs(extra string) ([]string, error) {
	if strings.TrimSpace(extra) == "" {
		return nil, nil
	}
	args, err := shlex.Split(extra)
	if err != nil {
		return nil, faults.New(faults.CodeValidation, "invalid extra args syntax", err)
	}
	if err := sanitizeArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}

// sanitizeArgs rejects arguments that could reach outside the encoder
// invocation. exec.Command never interprets metacharacters, but encoder
// options that open arbitrary outputs are still dangerous.
func sanitizeArgs(args []string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return faults.Newf(faults.CodeValidation, "disallowed character in argument %q", arg)
		}
		switch {
		case arg == "-i":
			return faults.Newf(faults.CodeValidation, "extra args must not add inputs")
		case strings.HasPrefix(arg, "-passlogfile"):
			return faults.Newf(faults.CodeValidation, "pass log management is not overridable")
		}
	}
	return nil
}
