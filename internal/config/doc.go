// Package config holds the explicit run configuration and the workflow
// definition it carries.
//
// Workflow files may be JSON with comments (.json, .jsonc), parsed with
// github.com/tidwall/jsonc before encoding/json, or YAML (.yaml, .yml),
// parsed with gopkg.in/yaml.v3. Without a file the built-in Default
// workflow is used: the Gradio example app enhanced by the Copilot CLI.
//
// The credential is never read from the environment here. The CLI looks
// it up once with CredentialFromEnv and passes it in Config.
package config
