package executor

import (
	"fmt"
	"os"
	"strings"

	"github.com/stefankubicki/istota/internal/store"
)

// defaultCredentialEnvNames lists the variable names stripped in
// permissive mode when Config.CredentialEnvNames is unset.
var defaultCredentialEnvNames = []string{
	"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GOOGLE_API_KEY",
	"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN",
	"BRAVE_API_KEY", "GITHUB_TOKEN",
}

// buildEnv constructs the subprocess environment per spec.md §4.7:
// restricted strips the inherited environment entirely; permissive
// inherits it but removes credential-named variables. Both modes add the
// task identity variables the agent uses to address the scratch dir and
// its own identity.
func (e *Executor) buildEnv(task store.Task, workDir string) []string {
	var env []string

	if e.config.SecurityMode != SecurityRestricted {
		denied := make(map[string]bool)
		names := e.config.CredentialEnvNames
		if len(names) == 0 {
			names = defaultCredentialEnvNames
		}
		for _, n := range names {
			denied[n] = true
		}
		for _, kv := range os.Environ() {
			name, _, ok := strings.Cut(kv, "=")
			if ok && denied[name] {
				continue
			}
			env = append(env, kv)
		}
	}

	env = append(env,
		fmt.Sprintf("ISTOTA_TASK_ID=%d", task.ID),
		fmt.Sprintf("ISTOTA_USER_ID=%s", task.UserID),
		fmt.Sprintf("ISTOTA_CONVERSATION_TOKEN=%s", task.ConversationToken),
		fmt.Sprintf("ISTOTA_DEFERRED_DIR=%s", workDir),
	)
	if e.config.DBPath != "" {
		env = append(env, fmt.Sprintf("ISTOTA_DB_PATH=%s", e.config.DBPath))
	}
	return env
}
