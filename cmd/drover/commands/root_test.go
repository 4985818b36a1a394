package commands

import "testing"

func TestNewRootCmd_Wiring(t *testing.T) {
	cmd := NewRootCmd()

	if cmd.Use != "drover" {
		t.Errorf("expected use drover, got %q", cmd.Use)
	}
	if cmd.PersistentFlags().Lookup("log-level") == nil {
		t.Error("expected persistent --log-level flag")
	}

	want := map[string]bool{"run": false, "servers": false, "version": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing %q subcommand", name)
		}
	}
}

func TestNewRunCmd_RequiresPrompt(t *testing.T) {
	cmd := NewRunCmd()
	if err := cmd.Args(cmd, []string{}); err == nil {
		t.Error("expected run to require a prompt argument")
	}
	if err := cmd.Args(cmd, []string{"list the files"}); err != nil {
		t.Errorf("unexpected error for valid args: %v", err)
	}
}
