package console

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/mattn/go-shellwords"
)

// errOperator is returned for an unquoted ; & | < or >, which the shell
// grammar treats as the end of the command.
var errOperator = errors.New("console: quote ; & | < and > to use them in an argument")

// Split breaks a console line into words with shell quoting rules.
// Environment variables and backticks are not expanded.
func Split(line string) ([]string, error) {
	p := shellwords.NewParser()
	p.ParseEnv = false
	p.ParseBacktick = false

	words, err := p.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnterminatedQuote, err)
	}
	if len(words) == 0 {
		return nil, nil
	}
	if p.Position >= 0 {
		return nil, errOperator
	}
	return words, nil
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
