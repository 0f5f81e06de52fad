package main

import (
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/open-sspm/open-connect/internal/logging"
)

// annotationStructuredLog marks commands whose logs and fatal errors are
// written as structured slog records.
const annotationStructuredLog = "open-connect/structured-log"

var structuredLog = map[string]string{annotationStructuredLog: "true"}

type commandExecutionContext struct {
	CommandPath       string
	UsesStructuredLog bool
}

var (
	commandContextMu sync.RWMutex
	commandContext   commandExecutionContext
)

func setCommandExecutionContext(ctx commandExecutionContext) {
	commandContextMu.Lock()
	defer commandContextMu.Unlock()
	commandContext = ctx
}

func resetCommandExecutionContext() {
	setCommandExecutionContext(commandExecutionContext{})
}

func currentCommandExecutionContext() commandExecutionContext {
	commandContextMu.RLock()
	defer commandContextMu.RUnlock()
	return commandContext
}

func commandUsesStructuredLogging(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[annotationStructuredLog] == "true" {
			return true
		}
	}
	return false
}

// bootstrapCommand records which command is running and installs the
// default logger for structured commands. Logs go to stderr so stdout stays
// free for command output.
func bootstrapCommand(cmd *cobra.Command, _ []string) error {
	structured := commandUsesStructuredLogging(cmd)
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       cmd.CommandPath(),
		UsesStructuredLog: structured,
	})
	if !structured {
		return nil
	}
	_, err := logging.BootstrapFromEnv(logging.BootstrapOptions{
		Command: cmd.CommandPath(),
		Writer:  os.Stderr,
	})
	return err
}
