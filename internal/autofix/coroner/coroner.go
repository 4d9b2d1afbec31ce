// internal/autofix/coroner/coroner.go
package coroner

import (
	"strings"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
)

// Rule maps a set of lower-case keywords to a failure category.
type Rule struct {
	Category schemas.FailureCategory
	Keywords []string
}

// DefaultRules is evaluated in order; the first rule with a matching keyword wins.
// "command not found" is reachable only through missing_env because rule 2 already
// matches "not found".
var DefaultRules = []Rule{
	{
		Category: schemas.CategorySyntaxError,
		Keywords: []string{"syntax error", "parsererror", "parse error", "unexpected token"},
	},
	{
		Category: schemas.CategoryMissingEnv,
		Keywords: []string{"cannot find path", "connection refused", "not found", "invalid uri"},
	},
	{
		Category: schemas.CategoryCalderaConstraint,
		Keywords: []string{"variable is not defined", "undefined variable", "cannot find variable"},
	},
	{
		Category: schemas.CategoryDependencyError,
		Keywords: []string{"access is denied", "access denied", "requires elevation", "privilege", "unauthorized"},
	},
	{
		Category: schemas.CategoryUnrecoverable,
		Keywords: []string{"not recognized as cmdlet", "command not found", "is not installed"},
	},
}

// Diagnosis is the result of examining the output of a failed ability.
type Diagnosis struct {
	Category schemas.FailureCategory
	// Keyword is the matched keyword, empty when no rule matched.
	Keyword string
}

// Classifier sorts failure output into categories. It is stateless and safe
// for concurrent use.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a Classifier with DefaultRules.
func NewClassifier() *Classifier {
	return &Classifier{rules: DefaultRules}
}

// NewClassifierWithRules creates a Classifier over a custom ordered rule table.
func NewClassifierWithRules(rules []Rule) *Classifier {
	return &Classifier{rules: rules}
}

// Diagnose matches the combined, lower-cased stderr and stdout against the rules.
// Output matching nothing is unrecoverable.
func (c *Classifier) Diagnose(stderr, stdout string) Diagnosis {
	text := strings.ToLower(stderr + "\n" + stdout)
	for _, rule := range c.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(text, kw) {
				return Diagnosis{Category: rule.Category, Keyword: kw}
			}
		}
	}
	return Diagnosis{Category: schemas.CategoryUnrecoverable}
}

// Classify returns only the category of Diagnose.
func (c *Classifier) Classify(stderr, stdout string) schemas.FailureCategory {
	return c.Diagnose(stderr, stdout).Category
}
