// Package doctor runs diagnostics against the configured masters and the
// local npctl files.
package doctor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/nodepassproject/npctl/internal/model"
	"github.com/nodepassproject/npctl/internal/nodepass"
	"github.com/nodepassproject/npctl/internal/security"
	"github.com/nodepassproject/npctl/internal/service"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// MinMasterVersion is the oldest master that stores instance metadata.
const MinMasterVersion = "1.4.0"

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// Master is the subset of the NodePass API the checks call.
type Master interface {
	service.InstanceLister
	Info(ctx context.Context, srv model.Server) (nodepass.Info, error)
}

// Run executes every diagnostic. Unreachable masters are reported as issues,
// not errors.
func Run(ctx context.Context, servers []model.Server, master Master, logger zerolog.Logger) (Report, error) {
	var issues []Issue
	if len(servers) == 0 {
		issues = append(issues, Issue{
			Severity:       SeverityLow,
			Check:          "servers",
			Target:         "servers.yaml",
			Message:        "no masters configured",
			Recommendation: "add one with `npctl server add`",
		})
	}

	issues = append(issues, checkMasters(ctx, servers, master)...)

	reachable := make([]model.Server, 0, len(servers))
	down := map[string]bool{}
	for _, is := range issues {
		if is.Check == "reachability" {
			down[is.Target] = true
		}
	}
	for _, srv := range servers {
		if !down[srv.Name] {
			reachable = append(reachable, srv)
		}
	}
	issues = append(issues, groupingIssues(ctx, reachable, master, logger)...)

	audit, err := security.RunLocalAudit(servers)
	if err != nil {
		return Report{}, err
	}
	for _, f := range audit.Findings {
		issues = append(issues, Issue{
			Severity:       Severity(f.Severity),
			Check:          "security-audit",
			Target:         f.Target,
			Message:        f.Message,
			Recommendation: f.Recommendation,
		})
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

// checkMasters calls GET /info on every master concurrently.
func checkMasters(ctx context.Context, servers []model.Server, master Master) []Issue {
	var (
		mu     sync.Mutex
		issues []Issue
	)
	add := func(is Issue) {
		mu.Lock()
		issues = append(issues, is)
		mu.Unlock()
	}
	minimum := semver.MustParse(MinMasterVersion)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, srv := range servers {
		g.Go(func() error {
			info, err := master.Info(ctx, srv)
			if err != nil {
				add(Issue{
					Severity:       SeverityHigh,
					Check:          "reachability",
					Target:         srv.Name,
					Message:        err.Error(),
					Recommendation: "check the master URL, API key and network path",
				})
				return nil
			}
			v, err := semver.NewVersion(strings.TrimSpace(info.Version))
			if err != nil {
				add(Issue{
					Severity:       SeverityLow,
					Check:          "version",
					Target:         srv.Name,
					Message:        fmt.Sprintf("unrecognised master version %q", info.Version),
					Recommendation: "verify the master build",
				})
				return nil
			}
			if v.LessThan(minimum) {
				add(Issue{
					Severity:       SeverityMedium,
					Check:          "version",
					Target:         srv.Name,
					Message:        fmt.Sprintf("master %s is older than %s and drops instance metadata", v, MinMasterVersion),
					Recommendation: "upgrade the master so services can be reconciled",
				})
			}
			return nil
		})
	}
	_ = g.Wait()
	return issues
}

// groupingIssues runs a dry reconciliation and reports service ids that
// could not be grouped.
func groupingIssues(ctx context.Context, servers []model.Server, master Master, logger zerolog.Logger) []Issue {
	if len(servers) == 0 {
		return nil
	}
	rec := service.NewReconciler(master, logger)
	snap, _ := rec.Fetch(ctx, servers)
	order := make([]string, 0, len(servers))
	for _, srv := range servers {
		order = append(order, srv.ID)
	}
	_, skipped := service.Group(snap, order, nil)
	issues := make([]Issue, 0, len(skipped))
	for _, s := range skipped {
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "grouping",
			Target:         s.ServiceID,
			Message:        s.Reason,
			Recommendation: "inspect the instances tagged with this service id",
		})
	}
	return issues
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
