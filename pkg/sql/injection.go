// Package sql screens filter values for SQL injection payloads.
package sql

import (
	"fmt"

	libinjection "github.com/corazawaf/libinjection-go"

	"github.com/ekaya-inc/ekaya-crossquery/pkg/models"
)

// InjectionFinding describes a filter value that libinjection classified as SQLi.
type InjectionFinding struct {
	Path        string // JSON path of the offending value, e.g. "where.conditions[1].value"
	Field       string // Qualified field the value is compared against
	Fingerprint string // libinjection fingerprint of the detected pattern
	Value       string
}

// CheckValueForInjection runs libinjection over a single value. Only strings can
// carry a payload; other types return nil.
func CheckValueForInjection(value any) (fingerprint string, found bool) {
	s, ok := value.(string)
	if !ok || s == "" {
		return "", false
	}
	isSQLi, fp := libinjection.IsSQLi(s)
	if !isSQLi {
		return "", false
	}
	return string(fp), true
}

// CheckFilterValues inspects every leaf value in a filter tree, including the
// elements of list values used with in, nin and between.
//
// Values are always bound as parameters, so a finding never makes a request
// invalid. Callers surface findings as warnings.
func CheckFilterValues(where *models.WhereClause) []InjectionFinding {
	if where == nil {
		return nil
	}

	var findings []InjectionFinding
	models.WalkWhere(where.Root, func(path string, cond models.WhereCondition) {
		leaf, ok := cond.(*models.WhereLeaf)
		if !ok {
			return
		}
		switch v := leaf.Value.(type) {
		case []any:
			for i, elem := range v {
				if fp, found := CheckValueForInjection(elem); found {
					findings = append(findings, InjectionFinding{
						Path:        fmt.Sprintf("%s.value[%d]", path, i),
						Field:       leaf.Field,
						Fingerprint: fp,
						Value:       elem.(string),
					})
				}
			}
		default:
			if fp, found := CheckValueForInjection(v); found {
				findings = append(findings, InjectionFinding{
					Path:        path + ".value",
					Field:       leaf.Field,
					Fingerprint: fp,
					Value:       v.(string),
				})
			}
		}
	})
	return findings
}
