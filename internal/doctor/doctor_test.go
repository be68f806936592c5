package doctor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nodepassproject/npctl/internal/model"
	"github.com/nodepassproject/npctl/internal/nodepass"
	"github.com/nodepassproject/npctl/internal/nodepass/nodepasstest"
	"github.com/rs/zerolog"
)

func findIssue(r Report, check, target string) (Issue, bool) {
	for _, is := range r.Issues {
		if is.Check == check && is.Target == target {
			return is, true
		}
	}
	return Issue{}, false
}

func TestRunReportsVersionAndReachability(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	current := nodepasstest.NewMaster(t, "k")
	old := nodepasstest.NewMaster(t, "k")
	old.Version = "v1.3.2"
	locked := nodepasstest.NewMaster(t, "other")

	servers := []model.Server{current.Target("current"), old.Target("old"), locked.Target("locked")}
	servers[2].APIKey = "k"

	report, err := Run(context.Background(), servers, nodepass.New(time.Second), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := findIssue(report, "version", "current"); ok {
		t.Fatal("current master should pass the version check")
	}
	if is, ok := findIssue(report, "version", "old"); !ok || is.Severity != SeverityMedium {
		t.Fatalf("expected medium version issue for old master, got %+v", report.Issues)
	}
	is, ok := findIssue(report, "reachability", "locked")
	if !ok || is.Severity != SeverityHigh {
		t.Fatalf("expected reachability issue, got %+v", report.Issues)
	}
	if !strings.Contains(is.Message, "401") {
		t.Fatalf("unexpected reachability message: %s", is.Message)
	}
	if report.Issues[0].Severity != SeverityHigh {
		t.Fatalf("issues should be sorted by severity: %+v", report.Issues)
	}
}

func TestRunReportsSkippedGroupings(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	a := nodepasstest.NewMaster(t, "")
	b := nodepasstest.NewMaster(t, "")
	peer := &model.Metadata{Peer: model.Peer{ServiceID: "dup", ServiceType: "1"}}
	a.Put(model.RemoteInstance{ID: "1", URL: "server://:1/:2", Meta: peer})
	b.Put(model.RemoteInstance{ID: "2", URL: "server://:3/:4", Meta: peer})

	report, err := Run(context.Background(), []model.Server{a.Target("a"), b.Target("b")}, nodepass.New(time.Second), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	is, ok := findIssue(report, "grouping", "dup")
	if !ok {
		t.Fatalf("expected grouping issue, got %+v", report.Issues)
	}
	if !strings.Contains(is.Message, "ambiguous") {
		t.Fatalf("unexpected grouping message: %s", is.Message)
	}
	if _, err := json.Marshal(report); err != nil {
		t.Fatal(err)
	}
}

func TestRunWithoutServers(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	report, err := Run(context.Background(), nil, nodepass.New(time.Second), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := findIssue(report, "servers", "servers.yaml"); !ok {
		t.Fatalf("expected no-servers issue, got %+v", report.Issues)
	}
}
