// Package template renders the OS definitions that keep the database server
// running outside the desktop application: systemd units, launchd property
// lists and the Windows logon script.
package template

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	texttemplate "text/template"
)

// TemplateType represents the kind of definition to generate
type TemplateType string

const (
	TypeSystemdUser   TemplateType = "systemd-user"
	TypeSystemdSystem TemplateType = "systemd-system"
	TypeLaunchAgent   TemplateType = "launchd-agent"
	TypeLaunchDaemon  TemplateType = "launchd-daemon"
	TypeLogonScript   TemplateType = "logon-script"
)

// Definition is the server command plus the identity the OS registers it under.
type Definition struct {
	Name        string   `json:"name"`  // unit or task name
	Label       string   `json:"label"` // launchd label
	Description string   `json:"description,omitempty"`
	Path        string   `json:"path"`
	Args        []string `json:"args,omitempty"`
	Env         []string `json:"env,omitempty"`
	WorkDir     string   `json:"work_dir,omitempty"`
	LogFile     string   `json:"log_file,omitempty"`
	// User is the account a system-wide definition runs as. The server
	// refuses to run as root, so system units always name one.
	User string `json:"user,omitempty"`
}

// Generator provides definition rendering
type Generator struct{}

// NewGenerator creates a new definition generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate renders def for the given type.
func (g *Generator) Generate(templateType TemplateType, def Definition) ([]byte, error) {
	if strings.TrimSpace(def.Name) == "" || strings.TrimSpace(def.Path) == "" {
		return nil, fmt.Errorf("definition requires a name and an executable path")
	}
	switch templateType {
	case TypeSystemdUser:
		def.User = ""
		return render(systemdUnit, def)
	case TypeSystemdSystem:
		if def.User == "" {
			return nil, fmt.Errorf("system unit %s requires a user", def.Name)
		}
		return render(systemdUnit, def)
	case TypeLaunchAgent:
		def.User = ""
		return g.generatePlist(def)
	case TypeLaunchDaemon:
		if def.User == "" {
			return nil, fmt.Errorf("launch daemon %s requires a user", def.Name)
		}
		return g.generatePlist(def)
	case TypeLogonScript:
		return render(logonScript, def)
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: %s)", templateType, strings.Join(g.GetSupportedTypes(), ", "))
	}
}

// GetSupportedTypes returns a list of all supported template types
func (g *Generator) GetSupportedTypes() []string {
	return []string{
		string(TypeSystemdUser),
		string(TypeSystemdSystem),
		string(TypeLaunchAgent),
		string(TypeLaunchDaemon),
		string(TypeLogonScript),
	}
}

func (g *Generator) generatePlist(def Definition) ([]byte, error) {
	if def.Label == "" {
		def.Label = def.Name
	}
	return render(launchdPlist, def)
}

var funcs = texttemplate.FuncMap{
	"systemdExec": systemdExec,
	"systemdQuote": func(s string) string {
		return `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
	},
	"xml":      xmlEscape,
	"envPairs": envPairs,
	"cmdLine":  cmdLine,
}

var (
	systemdUnit = texttemplate.Must(texttemplate.New("systemd").Funcs(funcs).Parse(`[Unit]
Description={{ if .Description }}{{ .Description }}{{ else }}{{ .Name }}{{ end }}
After=network.target

[Service]
Type=simple
{{- if .User }}
User={{ .User }}
{{- end }}
{{- if .WorkDir }}
WorkingDirectory={{ systemdQuote .WorkDir }}
{{- end }}
{{- range .Env }}
Environment={{ systemdQuote . }}
{{- end }}
ExecStart={{ systemdExec .Path .Args }}
ExecReload=/bin/kill -HUP $MAINPID
KillMode=mixed
KillSignal=SIGINT
TimeoutStopSec=30
Restart=no
{{- if .LogFile }}
StandardOutput=append:{{ .LogFile }}
StandardError=append:{{ .LogFile }}
{{- end }}

[Install]
WantedBy={{ if .User }}multi-user.target{{ else }}default.target{{ end }}
`))

	launchdPlist = texttemplate.Must(texttemplate.New("launchd").Funcs(funcs).Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{ xml .Label }}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{ xml .Path }}</string>
{{- range .Args }}
		<string>{{ xml . }}</string>
{{- end }}
	</array>
{{- if .User }}
	<key>UserName</key>
	<string>{{ xml .User }}</string>
{{- end }}
{{- if .WorkDir }}
	<key>WorkingDirectory</key>
	<string>{{ xml .WorkDir }}</string>
{{- end }}
{{- if .Env }}
	<key>EnvironmentVariables</key>
	<dict>
{{- range envPairs .Env }}
		<key>{{ xml .Key }}</key>
		<string>{{ xml .Value }}</string>
{{- end }}
	</dict>
{{- end }}
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<false/>
	<key>ExitTimeOut</key>
	<integer>30</integer>
{{- if .LogFile }}
	<key>StandardOutPath</key>
	<string>{{ xml .LogFile }}</string>
	<key>StandardErrorPath</key>
	<string>{{ xml .LogFile }}</string>
{{- end }}
</dict>
</plist>
`))

	// The logon task runs this script; schtasks limits /TR to 261 characters.
	logonScript = texttemplate.Must(texttemplate.New("logon").Funcs(funcs).Parse(`@echo off
rem {{ if .Description }}{{ .Description }}{{ else }}{{ .Name }}{{ end }}
{{- range .Env }}
set "{{ . }}"
{{- end }}
{{- if .WorkDir }}
cd /d "{{ .WorkDir }}"
{{- end }}
{{ cmdLine .Path .Args }}{{ if .LogFile }} >> "{{ .LogFile }}" 2>&1{{ end }}
`))
)

func render(t *texttemplate.Template, def Definition) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, def); err != nil {
		return nil, fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.Bytes(), nil
}

// systemdExec quotes every word containing characters systemd would split on.
func systemdExec(path string, args []string) string {
	words := make([]string, 0, len(args)+1)
	for _, w := range append([]string{path}, args...) {
		if w == "" || strings.ContainsAny(w, " \t\"'\\;$%") {
			w = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `$$`, `%`, `%%`).Replace(w) + `"`
		}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}

func cmdLine(path string, args []string) string {
	words := make([]string, 0, len(args)+1)
	words = append(words, `"`+path+`"`)
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t&|<>^") {
			a = `"` + a + `"`
		}
		words = append(words, a)
	}
	return strings.Join(words, " ")
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

type envPair struct{ Key, Value string }

func envPairs(env []string) []envPair {
	out := make([]envPair, 0, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out = append(out, envPair{Key: k, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
