package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// MenuAction is what the operator chose in the interactive menu. The menu
// only gathers input; probing, persistence, and cleanup run after the
// program exits so the UI never blocks on the network.
type MenuAction int

const (
	ActionQuit MenuAction = iota
	ActionConnect
	ActionCreateCredential
	ActionRemoveCredential
	ActionCleanupHost
	ActionCleanupAll
)

// MenuOutcome carries the operator's choice out of the menu program.
type MenuOutcome struct {
	Action MenuAction

	// Cred is the freshly entered credential for ActionCreateCredential.
	Cred Credential

	// Name is the saved credential name for ActionConnect by name, or the
	// credential to remove.
	Name string
	Kind CredentialKind

	// Host is the address for ActionConnect by host or ActionCleanupHost.
	Host string
}

type menuState int

const (
	stateMenu menuState = iota
	stateForm
	statePick
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	cursorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

type menuItem struct {
	label string
	build func(m *menuModel) (tea.Model, tea.Cmd)
}

// formField describes one input in a credential form.
type formField struct {
	label    string
	secret   bool
	required bool
	prefill  string
}

type menuModel struct {
	store    *CredentialStore
	registry *HostRegistry

	state   menuState
	cursor  int
	errLine string

	items []menuItem

	// form state
	formTitle  string
	fields     []formField
	inputs     []textinput.Model
	fieldIdx   int
	formFinish func(values []string) (MenuOutcome, string)

	// pick state
	pickTitle  string
	pickItems  []string
	pickCursor int
	pickFinish func(choice string) MenuOutcome

	outcome MenuOutcome
	done    bool
}

// RunMenu displays the operator menu and returns the chosen action. A quit
// or Ctrl+C yields ActionQuit, never an error.
func RunMenu(store *CredentialStore, reg *HostRegistry) (MenuOutcome, error) {
	m := newMenuModel(store, reg)
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return MenuOutcome{Action: ActionQuit}, fmt.Errorf("menu: %w", err)
	}
	if mm, ok := final.(*menuModel); ok {
		return mm.outcome, nil
	}
	return MenuOutcome{Action: ActionQuit}, nil
}

func newMenuModel(store *CredentialStore, reg *HostRegistry) *menuModel {
	m := &menuModel{store: store, registry: reg}
	m.items = []menuItem{
		{"Connect with a new SSH key credential", (*menuModel).startKeyForm},
		{"Connect with a new password credential", (*menuModel).startPasswordForm},
		{"Connect with a saved credential", (*menuModel).startSavedPick},
		{"Connect to a listed host", (*menuModel).startHostPick},
		{"Remove a saved credential", (*menuModel).startRemovePick},
		{"Clean up one host", (*menuModel).startCleanupPick},
		{"Clean up all hosts", func(m *menuModel) (tea.Model, tea.Cmd) {
			return m.finish(MenuOutcome{Action: ActionCleanupAll})
		}},
		{"Quit", func(m *menuModel) (tea.Model, tea.Cmd) {
			return m.finish(MenuOutcome{Action: ActionQuit})
		}},
	}
	return m
}

func (m *menuModel) Init() tea.Cmd { return nil }

func (m *menuModel) finish(out MenuOutcome) (tea.Model, tea.Cmd) {
	m.outcome = out
	m.done = true
	return m, tea.Quit
}

func (m *menuModel) backToMenu(errLine string) {
	m.state = stateMenu
	m.errLine = errLine
	m.inputs = nil
	m.pickItems = nil
}

// startForm initializes a text-input sequence.
func (m *menuModel) startForm(title string, fields []formField, finish func([]string) (MenuOutcome, string)) (tea.Model, tea.Cmd) {
	m.state = stateForm
	m.formTitle = title
	m.fields = fields
	m.formFinish = finish
	m.fieldIdx = 0
	m.errLine = ""
	m.inputs = make([]textinput.Model, len(fields))
	for i, f := range fields {
		ti := textinput.New()
		ti.Prompt = "> "
		ti.Placeholder = f.label
		if f.secret {
			ti.EchoMode = textinput.EchoPassword
			ti.EchoCharacter = '*'
		}
		if f.prefill != "" {
			ti.SetValue(f.prefill)
		}
		m.inputs[i] = ti
	}
	m.inputs[0].Focus()
	return m, textinput.Blink
}

func (m *menuModel) startKeyForm() (tea.Model, tea.Cmd) {
	fields := []formField{
		{label: "credential name", required: true},
		{label: "user", required: true},
		{label: "host address", required: true},
		{label: "private key path", required: true},
	}
	// Saved defaults from earlier credentials pre-fill everything but the
	// name; enter accepts them as-is.
	if doc, err := m.store.LoadKeys(); err == nil {
		fields[1].prefill = doc.DefaultUser
		fields[2].prefill = doc.DefaultHost
		fields[3].prefill = doc.DefaultKey
	}
	return m.startForm("New SSH key credential", fields, func(v []string) (MenuOutcome, string) {
		cred := KeyCredential{Name: v[0], User: v[1], Host: v[2], KeyPath: v[3]}
		return MenuOutcome{Action: ActionCreateCredential, Cred: cred, Kind: KindKey}, ""
	})
}

func (m *menuModel) startPasswordForm() (tea.Model, tea.Cmd) {
	fields := []formField{
		{label: "credential name", required: true},
		{label: "user", required: true},
		{label: "host address", required: true},
		{label: "password", required: true, secret: true},
	}
	if doc, err := m.store.LoadPasswords(); err == nil {
		fields[1].prefill = doc.DefaultUser
		fields[2].prefill = doc.DefaultHost
	}
	return m.startForm("New password credential", fields, func(v []string) (MenuOutcome, string) {
		cred := PasswordCredential{Name: v[0], User: v[1], Host: v[2], Secret: v[3]}
		return MenuOutcome{Action: ActionCreateCredential, Cred: cred, Kind: KindPassword}, ""
	})
}

// savedNames lists every credential as "name (kind, user@host)".
func (m *menuModel) savedNames() ([]string, error) {
	keys, err := m.store.LoadKeys()
	if err != nil {
		return nil, err
	}
	pws, err := m.store.LoadPasswords()
	if err != nil {
		return nil, err
	}
	var out []string
	for name, e := range keys.SavedKeys {
		out = append(out, fmt.Sprintf("%s (key, %s@%s)", name, e.User, e.Host))
	}
	for name, e := range pws.SavedPasswords {
		out = append(out, fmt.Sprintf("%s (password, %s@%s)", name, e.User, e.Host))
	}
	sort.Strings(out)
	return out, nil
}

func (m *menuModel) startPick(title string, items []string, finish func(string) MenuOutcome) (tea.Model, tea.Cmd) {
	if len(items) == 0 {
		m.backToMenu("nothing to pick from yet")
		return m, nil
	}
	m.state = statePick
	m.pickTitle = title
	m.pickItems = items
	m.pickCursor = 0
	m.pickFinish = finish
	m.errLine = ""
	return m, nil
}

func pickedName(display string) string {
	if i := strings.Index(display, " ("); i > 0 {
		return display[:i]
	}
	return display
}

func pickedKind(display string) CredentialKind {
	if strings.Contains(display, "(password,") {
		return KindPassword
	}
	return KindKey
}

func (m *menuModel) startSavedPick() (tea.Model, tea.Cmd) {
	items, err := m.savedNames()
	if err != nil {
		m.backToMenu(err.Error())
		return m, nil
	}
	return m.startPick("Saved credentials", items, func(choice string) MenuOutcome {
		return MenuOutcome{Action: ActionConnect, Name: pickedName(choice)}
	})
}

func (m *menuModel) startRemovePick() (tea.Model, tea.Cmd) {
	items, err := m.savedNames()
	if err != nil {
		m.backToMenu(err.Error())
		return m, nil
	}
	return m.startPick("Remove credential", items, func(choice string) MenuOutcome {
		return MenuOutcome{Action: ActionRemoveCredential, Name: pickedName(choice), Kind: pickedKind(choice)}
	})
}

func (m *menuModel) hostAddresses() []string {
	addrs, err := m.registry.Addresses()
	if err != nil {
		m.errLine = err.Error()
		return nil
	}
	return addrs
}

func (m *menuModel) startHostPick() (tea.Model, tea.Cmd) {
	return m.startPick("Listed hosts", m.hostAddresses(), func(choice string) MenuOutcome {
		return MenuOutcome{Action: ActionConnect, Host: choice}
	})
}

func (m *menuModel) startCleanupPick() (tea.Model, tea.Cmd) {
	return m.startPick("Clean up host", m.hostAddresses(), func(choice string) MenuOutcome {
		return MenuOutcome{Action: ActionCleanupHost, Host: choice}
	})
}

func (m *menuModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m.updateFocused(msg)
	}

	if key.Type == tea.KeyCtrlC {
		return m.finish(MenuOutcome{Action: ActionQuit})
	}

	switch m.state {
	case stateMenu:
		return m.updateMenu(key)
	case stateForm:
		return m.updateForm(key)
	case statePick:
		return m.updatePick(key)
	}
	return m, nil
}

func (m *menuModel) updateFocused(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.state == stateForm && m.fieldIdx < len(m.inputs) {
		var cmd tea.Cmd
		m.inputs[m.fieldIdx], cmd = m.inputs[m.fieldIdx].Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *menuModel) updateMenu(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "q", "esc":
		return m.finish(MenuOutcome{Action: ActionQuit})
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.items)-1 {
			m.cursor++
		}
	case "enter":
		return m.items[m.cursor].build(m)
	}
	return m, nil
}

func (m *menuModel) updateForm(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		m.backToMenu("")
		return m, nil
	case tea.KeyEnter:
		val := strings.TrimSpace(m.inputs[m.fieldIdx].Value())
		if m.fields[m.fieldIdx].required && val == "" {
			m.errLine = m.fields[m.fieldIdx].label + " is required"
			return m, nil
		}
		m.errLine = ""
		if m.fieldIdx < len(m.inputs)-1 {
			m.inputs[m.fieldIdx].Blur()
			m.fieldIdx++
			m.inputs[m.fieldIdx].Focus()
			return m, textinput.Blink
		}
		values := make([]string, len(m.inputs))
		for i := range m.inputs {
			values[i] = strings.TrimSpace(m.inputs[i].Value())
		}
		out, errLine := m.formFinish(values)
		if errLine != "" {
			m.errLine = errLine
			return m, nil
		}
		return m.finish(out)
	}
	var cmd tea.Cmd
	m.inputs[m.fieldIdx], cmd = m.inputs[m.fieldIdx].Update(key)
	return m, cmd
}

func (m *menuModel) updatePick(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "esc":
		m.backToMenu("")
	case "up", "k":
		if m.pickCursor > 0 {
			m.pickCursor--
		}
	case "down", "j":
		if m.pickCursor < len(m.pickItems)-1 {
			m.pickCursor++
		}
	case "enter":
		return m.finish(m.pickFinish(m.pickItems[m.pickCursor]))
	}
	return m, nil
}

func (m *menuModel) View() string {
	if m.done {
		return ""
	}
	var b strings.Builder
	switch m.state {
	case stateMenu:
		b.WriteString(titleStyle.Render("tunnelserve") + "\n\n")
		for i, item := range m.items {
			if i == m.cursor {
				b.WriteString(cursorStyle.Render("> "+item.label) + "\n")
			} else {
				b.WriteString("  " + item.label + "\n")
			}
		}
		b.WriteString("\n" + dimStyle.Render("up/down move, enter select, q quit"))
	case stateForm:
		b.WriteString(titleStyle.Render(m.formTitle) + "\n\n")
		for i := 0; i <= m.fieldIdx && i < len(m.inputs); i++ {
			b.WriteString(m.fields[i].label + "\n")
			b.WriteString(m.inputs[i].View() + "\n")
		}
		b.WriteString("\n" + dimStyle.Render("enter next, esc back"))
	case statePick:
		b.WriteString(titleStyle.Render(m.pickTitle) + "\n\n")
		for i, item := range m.pickItems {
			line := fmt.Sprintf("%2d. %s", i+1, item)
			if i == m.pickCursor {
				b.WriteString(cursorStyle.Render("> "+line) + "\n")
			} else {
				b.WriteString("  " + line + "\n")
			}
		}
		b.WriteString("\n" + dimStyle.Render("enter select, esc back"))
	}
	if m.errLine != "" {
		b.WriteString("\n" + errStyle.Render(m.errLine))
	}
	b.WriteString("\n")
	return b.String()
}
