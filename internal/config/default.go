package config

import "time"

// defaultPrompt asks the generation tool to add a multiselect dropdown to
// the Gradio example app while keeping it reachable on the service port.
const defaultPrompt = `
I have this Gradio application:

{{.Source}}

Please enhance it by adding a new interactive component: a draggable list of programming languages (Python, JavaScript, Go).

The enhancement should:
- Add a new gr.Dropdown component with multiselect=True
- Display the three languages: Python, JavaScript, Go
- Show the current selected/reordered languages below
- Keep all existing functionality
- In demo.launch(), use: server_name="0.0.0.0", server_port={{.Port}}

Provide only the updated app.py code.
`

// Default returns the built-in workflow: provision an Ubuntu sandbox,
// install the Copilot CLI, clone the Gradio example, ask Copilot to
// enhance app.py, and serve the result on port 7860.
func Default() *Workflow {
	w := &Workflow{
		Name: "copilot-gradio",
		Session: SessionSpec{
			Name:  "copilot-gradio-sandbox",
			Image: DefaultImage,
			Env: map[string]string{
				"DEBIAN_FRONTEND": "noninteractive",
			},
		},
		Steps: []StepSpec{
			{
				Name:    "install dependencies",
				Run:     "apt-get update && apt-get install -y git curl python3-pip python3-venv",
				Timeout: Duration(10 * time.Minute),
			},
			{
				Name: "install copilot cli",
				Run:  "curl -fsSL https://gh.io/copilot-install | bash",
			},
			{
				Name:    "clone example-gradio",
				Run:     "git clone https://github.com/koyeb/example-gradio.git",
				WorkDir: "/tmp",
			},
			{
				Name:    "install python dependencies",
				Run:     "pip install --break-system-packages -r requirements.txt",
				WorkDir: "/tmp/example-gradio",
				Timeout: Duration(300 * time.Second),
			},
		},
		Source: SourceSpec{
			Name: "read original app",
			Path: "/tmp/example-gradio/app.py",
		},
		Generation: GenerationSpec{
			Name:       "copilot enhance",
			Command:    "copilot -sp {{.PromptPath}}",
			PromptPath: "/tmp/copilot_prompt.txt",
			Prompt:     defaultPrompt,
		},
		Artifact: ArtifactSpec{
			Kind: "python",
			Path: "/tmp/example-gradio/app_enhanced.py",
		},
		Service: ServiceSpec{
			Port:         7860,
			Command:      "python3 app_enhanced.py",
			WorkDir:      "/tmp/example-gradio",
			ReadyTimeout: Duration(2 * time.Minute),
		},
	}
	w.ApplyDefaults()
	return w
}
