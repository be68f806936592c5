package security

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nodepassproject/npctl/internal/appconfig"
	"github.com/nodepassproject/npctl/internal/model"
	"github.com/nodepassproject/npctl/internal/util"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RunLocalAudit inspects the permissions of local npctl files and how the
// configured masters are reached.
func RunLocalAudit(servers []model.Server) (AuditReport, error) {
	cfgDir, err := appconfig.ConfigDir()
	if err != nil {
		return AuditReport{}, err
	}

	var findings []Finding
	checkPathPerm(&findings, cfgDir, 0o700, false)
	for _, name := range []string{"config.yaml", "servers.yaml", "services.db", "events.jsonl"} {
		checkPathPerm(&findings, filepath.Join(cfgDir, name), 0o600, true)
	}

	for _, srv := range servers {
		if util.IsPlainHTTP(srv.URL) {
			findings = append(findings, Finding{
				Severity:       SeverityHigh,
				Target:         "server " + srv.Name,
				Message:        "API key is sent over plain http to a remote host",
				Recommendation: "serve the master API over https",
			})
		}
		if strings.TrimSpace(srv.APIKey) == "" {
			findings = append(findings, Finding{
				Severity:       SeverityMedium,
				Target:         "server " + srv.Name,
				Message:        "no API key configured",
				Recommendation: "set the master's API key with server add --api-key",
			})
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}, nil
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityMedium,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}
