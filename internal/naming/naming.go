// Package naming derives the class name (suite path), test name, description
// and categories of a test result. Every test framework adapter encodes these
// slightly differently in the fully qualified name, display name and
// properties it reports.
package naming

import (
	"net/url"
	"strings"

	"github.com/kamilpajak/scopebridge/internal/host"
	"github.com/kamilpajak/scopebridge/internal/suites"
)

// Framework is the test framework an executor URI belongs to.
type Framework string

const (
	FrameworkXUnit   Framework = "xunit"
	FrameworkMSTest  Framework = "mstest"
	FrameworkNUnit   Framework = "nunit"
	FrameworkGoTest  Framework = "gotest"
	FrameworkDefault Framework = "default"
)

// Framework-specific properties.
const (
	propMSTestClassName = "MSTestDiscoverer.TestClassName"
	propMSTestCategory  = "MSTestDiscoverer.TestCategory"
	propNUnitCategory   = "NUnit.TestCategory"
	propDescription     = "Description"
)

// Names is what a test is reported as.
type Names struct {
	ClassName   string
	TestName    string
	Description string
	Categories  []string
}

// Detect returns the framework of an executor URI.
func Detect(executorURI string) Framework {
	if executorURI == host.GoTestExecutorURI {
		return FrameworkGoTest
	}
	if u, err := url.Parse(executorURI); err == nil && strings.EqualFold(u.Host, "xunit") {
		return FrameworkXUnit
	}
	lower := strings.ToLower(executorURI)
	switch {
	case strings.Contains(lower, "mstest"):
		return FrameworkMSTest
	case strings.Contains(lower, "nunit"):
		return FrameworkNUnit
	}
	return FrameworkDefault
}

// Resolve computes the names of a test result.
func Resolve(r host.TestResult) Names {
	fw := Detect(r.TestCase.ExecutorURI)

	var n Names
	switch fw {
	case FrameworkXUnit:
		n.ClassName, n.TestName = xunitNames(r)
	case FrameworkMSTest:
		n.ClassName, n.TestName = mstestNames(r)
	case FrameworkGoTest:
		n.ClassName, n.TestName = gotestNames(r)
	default:
		n.ClassName, n.TestName = defaultNames(r)
	}

	n.Description = description(r, fw)
	n.Categories = categories(r, fw)
	return n
}

func xunitNames(r host.TestResult) (className, testName string) {
	fqn := r.TestCase.FullyQualifiedName
	className, method := splitLast(fqn)

	display := r.TestCase.DisplayName
	if display == "" || display == fqn {
		return className, method
	}
	return className, strings.ReplaceAll(display, className+".", "")
}

func mstestNames(r host.TestResult) (className, testName string) {
	testName = firstNonEmpty(r.DisplayName, r.TestCase.DisplayName)

	if cls, ok := r.TestCase.Properties.String(propMSTestClassName); ok && cls != "" {
		return cls, testName
	}

	// Older adapters: the class is the FQN minus the test case display name;
	// the result display name ("Test1 (Data Row 0)") is still the better name.
	caseName := firstNonEmpty(r.TestCase.DisplayName, r.DisplayName)
	return trimName(r.TestCase.FullyQualifiedName, caseName), testName
}

func gotestNames(r host.TestResult) (className, testName string) {
	pkg, _ := r.TestCase.Properties.String(host.PropGoPackage)
	test, _ := r.TestCase.Properties.String(host.PropGoTest)
	if pkg == "" || test == "" {
		return defaultNames(r)
	}
	// One suite per import path element; "github.com" stays one suite.
	return suites.Join(strings.Split(pkg, "/")...), test
}

func defaultNames(r host.TestResult) (className, testName string) {
	fqn := r.TestCase.FullyQualifiedName
	_, last := splitLast(fqn)
	testName = firstNonEmpty(r.TestCase.DisplayName, last)
	return trimName(fqn, testName), testName
}

func description(r host.TestResult, fw Framework) string {
	var desc string
	for _, t := range r.TestCase.Traits {
		if t.Name == host.TraitDescription {
			desc = t.Value
			break
		}
	}
	if fw == FrameworkMSTest {
		if d, ok := r.TestCase.Properties.String(propDescription); ok {
			desc = d
		}
	}
	return desc
}

func categories(r host.TestResult, fw Framework) []string {
	var cats []string
	for _, t := range r.TestCase.Traits {
		if strings.EqualFold(t.Name, host.TraitCategory) {
			cats = append(cats, t.Value)
		}
	}
	switch fw {
	case FrameworkMSTest:
		cats = append(cats, r.TestCase.Properties.Strings(propMSTestCategory)...)
	case FrameworkNUnit:
		cats = append(cats, r.TestCase.Properties.Strings(propNUnitCategory)...)
	}
	return cats
}

// trimName cuts ".name" off the end of fqn. When fqn does not end with the
// name (display names may differ from the method name), the last dotted
// segment is cut instead.
func trimName(fqn, name string) string {
	if name != "" && strings.HasSuffix(fqn, "."+name) {
		return fqn[:len(fqn)-len(name)-1]
	}
	className, _ := splitLast(fqn)
	return className
}

func splitLast(fqn string) (prefix, last string) {
	i := strings.LastIndex(fqn, ".")
	if i < 0 {
		return "", fqn
	}
	return fqn[:i], fqn[i+1:]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
