package main

import "testing"

func TestCommandUsesStructuredLogging(t *testing.T) {
	t.Parallel()

	tests := []struct {
		args []string
		want bool
	}{
		{args: []string{"serve"}, want: true},
		{args: []string{"worker"}, want: true},
		{args: []string{"refresh"}, want: true},
		{args: []string{"sync"}, want: true},
		{args: []string{"migrate"}, want: true},
		{args: []string{"connectors"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			t.Parallel()

			cmd, _, err := rootCmd.Find(tt.args)
			if err != nil || cmd == nil {
				t.Fatalf("Find(%v) = %v, %v", tt.args, cmd, err)
			}
			if got := commandUsesStructuredLogging(cmd); got != tt.want {
				t.Fatalf("commandUsesStructuredLogging(%q) = %v, want %v", cmd.CommandPath(), got, tt.want)
			}
		})
	}
}

func TestRefreshFlagsDefaultToConfigDefaults(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]string{"concurrency": "10", "expiry-window": "30m0s", "strict": "false"} {
		f := refreshCmd.Flags().Lookup(name)
		if f == nil {
			t.Fatalf("refresh has no --%s flag", name)
		}
		if f.DefValue != want {
			t.Fatalf("--%s default = %q, want %q", name, f.DefValue, want)
		}
	}
}
