package runner

import (
	"context"
	"errors"
	"time"

	"github.com/debench/debench/core/fixtures"
	"github.com/debench/debench/core/infra/config"
)

const defaultValidateTimeout = 10 * time.Minute

// ErrValidation marks a test whose artifacts did not meet expectations, as
// opposed to one that could not run.
var ErrValidation = errors.New("validation failed")

// Evaluation is what a validator inspects: the model output and the fixtures,
// still live.
type Evaluation struct {
	Test     string
	Output   Output
	Config   map[string]any
	Fixtures []fixtures.Fixture
	Data     []fixtures.ResourceData
}

// Validator judges one evaluation. Returning an error wrapping ErrValidation
// fails the test; any other error marks it errored.
type Validator func(ctx context.Context, ev Evaluation) error

// CommandValidator runs spec with the merged config in DEBENCH_CONFIG_FILE
// and the model output in DEBENCH_MODEL_OUTPUT. A non-zero exit fails the test.
func CommandValidator(spec config.CommandSpec) Validator {
	return func(ctx context.Context, ev Evaluation) error {
		configFile, cleanupConfig, err := writeJSONFile("debench-config-*.json", ev.Config)
		if err != nil {
			return err
		}
		defer cleanupConfig()
		outputFile, cleanupOutput, err := writeJSONFile("debench-output-*.json", ev.Output)
		if err != nil {
			return err
		}
		defer cleanupOutput()
		env := []string{
			"DEBENCH_TEST=" + ev.Test,
			"DEBENCH_CONFIG_FILE=" + configFile,
			"DEBENCH_MODEL_OUTPUT=" + outputFile,
		}
		out, err := runCommand(ctx, spec, defaultValidateTimeout, env)
		if err != nil && out.ExitCode > 0 {
			return errors.Join(ErrValidation, err)
		}
		return err
	}
}
