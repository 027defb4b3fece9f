package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workspace.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validDoc = `
version: 1
api:
  baseUrl: https://chat.internal.example/api
routing:
  url: redis://localhost:6379/0
servers:
  - name: prod
    id: "801234"
    categories:
      - name: Agents
        channels:
          - name: triage
            topic: incoming work
            restricted: true
    channels:
      - name: general
    threads:
      - channel: triage
        name: escalations
    bindings:
      - agent: main
        channel: triage
        requireMention: true
      - agent: scribe
        channel: [triage, general]
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validDoc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Servers) != 1 || cfg.Servers[0].Name != "prod" {
		t.Fatalf("servers = %+v", cfg.Servers)
	}
	if cfg.Hash == "" || len(cfg.Hash) != 64 {
		t.Errorf("hash = %q, want sha256 hex", cfg.Hash)
	}

	srv := cfg.Servers[0]
	if srv.Bindings[0].Channel.Kind != RefSingle || srv.Bindings[0].Channel.Name != "triage" {
		t.Errorf("single channel ref = %+v", srv.Bindings[0].Channel)
	}
	if srv.Bindings[1].Channel.Kind != RefList || len(srv.Bindings[1].Channel.Names) != 2 {
		t.Errorf("list channel ref = %+v", srv.Bindings[1].Channel)
	}
}

func TestLoadHashTracksContent(t *testing.T) {
	a, err := Load(writeConfig(t, validDoc))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Load(writeConfig(t, validDoc+"\n# trailing comment\n"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash == b.Hash {
		t.Error("different documents produced the same hash")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "bad version",
			doc: `
version: 2
api: {baseUrl: http://x}
routing: {url: redis://x}
servers: [{name: a, id: "1"}]
`,
			want: "unsupported version",
		},
		{
			name: "missing routing",
			doc: `
version: 1
api: {baseUrl: http://x}
servers: [{name: a, id: "1"}]
`,
			want: "'routing.url' is required",
		},
		{
			name: "duplicate channel across category and top level",
			doc: `
version: 1
api: {baseUrl: http://x}
routing: {url: redis://x}
servers:
  - name: a
    id: "1"
    categories:
      - name: Main
        channels: [{name: general}]
    channels: [{name: general}]
`,
			want: "duplicate channel name 'general'",
		},
		{
			name: "missing server id",
			doc: `
version: 1
api: {baseUrl: http://x}
routing: {url: redis://x}
servers: [{name: a}]
`,
			want: "'id' is required",
		},
		{
			name: "binding without channel",
			doc: `
version: 1
api: {baseUrl: http://x}
routing: {url: redis://x}
servers:
  - name: a
    id: "1"
    bindings: [{agent: main, channel: []}]
`,
			want: "references no channel",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.doc))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %q, want substring %q", err, tc.want)
			}
		})
	}
}

func TestChannelRefRejectsMapping(t *testing.T) {
	doc := `
version: 1
api: {baseUrl: http://x}
routing: {url: redis://x}
servers:
  - name: a
    id: "1"
    bindings:
      - agent: main
        channel: {bogus: shape}
`
	_, err := Load(writeConfig(t, doc))
	if err == nil || !strings.Contains(err.Error(), "channel reference") {
		t.Errorf("mapping-shaped channel ref should fail decode, got %v", err)
	}
}
