package inspect

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/Mugglen/LinuxNote/pkg/model"
)

// Formatter formats inspection output.
type Formatter struct {
	// ShowAttributes lists attributes under each node.
	ShowAttributes bool

	// ShowValues includes attribute values (requires values to have been
	// read).
	ShowValues bool

	// ShowRefCounts includes state and reference count per node.
	ShowRefCounts bool

	// IndentWidth is the number of spaces per indent level.
	IndentWidth int

	colors map[Kind]*color.Color
	dim    *color.Color
	errc   *color.Color
}

// NewFormatter creates a new Formatter with default settings and no
// color.
func NewFormatter() *Formatter {
	f := &Formatter{
		ShowAttributes: true,
		ShowValues:     true,
		IndentWidth:    2,
	}
	f.SetColor(false)
	return f
}

// SetColor enables or disables ANSI colors regardless of the terminal.
func (f *Formatter) SetColor(enabled bool) {
	f.colors = map[Kind]*color.Color{
		KindNode:      color.New(color.FgWhite, color.Bold),
		KindGroup:     color.New(color.FgCyan, color.Bold),
		KindBus:       color.New(color.FgMagenta, color.Bold),
		KindDevice:    color.New(color.FgGreen),
		KindDriver:    color.New(color.FgBlue),
		KindAttribute: color.New(color.FgYellow),
	}
	f.dim = color.New(color.Faint)
	f.errc = color.New(color.FgRed)

	all := append([]*color.Color{f.dim, f.errc}, mapValues(f.colors)...)
	for _, c := range all {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
}

func mapValues(m map[Kind]*color.Color) []*color.Color {
	out := make([]*color.Color, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

func (f *Formatter) paint(k Kind, s string) string {
	if f.colors == nil {
		f.SetColor(false)
	}
	if c, ok := f.colors[k]; ok {
		return c.Sprint(s)
	}
	return s
}

// Indent returns the content with indentation.
func (f *Formatter) Indent(depth int, content string) string {
	width := f.IndentWidth
	if width == 0 {
		width = 2
	}
	return strings.Repeat(" ", depth*width) + content
}

// FormatValue formats an attribute value for display on one line.
func (f *Formatter) FormatValue(value string) string {
	v := strings.TrimSuffix(value, "\n")
	if strings.ContainsAny(v, "\n\t") || v == "" {
		return strconv.Quote(v)
	}
	return v
}

// FormatNode formats a node and, optionally, its attributes.
func (f *Formatter) FormatNode(n *NodeInfo) string {
	var sb strings.Builder

	header := f.paint(n.Kind, n.Name+"/")
	if n.Kind != KindNode && n.Kind != KindGroup {
		header += " " + f.dim.Sprint("["+n.Kind.String()+"]")
	}
	if n.Detail != "" {
		header += " " + n.Detail
	}
	if f.ShowRefCounts {
		header += " " + f.dim.Sprintf("(%s, refs=%d)", n.State, n.RefCount)
	}
	sb.WriteString(f.Indent(n.Depth, header))
	sb.WriteString("\n")

	if f.ShowAttributes {
		for idx := range n.Attributes {
			sb.WriteString(f.Indent(n.Depth+1, f.FormatAttribute(&n.Attributes[idx])))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// FormatAttribute formats one attribute line.
func (f *Formatter) FormatAttribute(a *AttributeInfo) string {
	line := fmt.Sprintf("%s %s", FormatMode(a.Mode), f.paint(KindAttribute, a.Name))
	if !f.ShowValues || !a.Access.CanRead() {
		return line
	}
	if a.Err != nil {
		return line + " = " + f.errc.Sprint("error: "+a.Err.Error())
	}
	return line + " = " + f.FormatValue(a.Value)
}

// FormatEntries formats a listing like ls -l.
func (f *Formatter) FormatEntries(entries []Entry) string {
	if len(entries) == 0 {
		return "  (empty)\n"
	}
	var sb strings.Builder
	for _, e := range entries {
		name := e.Name
		if e.IsDir() {
			name += "/"
		}
		sb.WriteString(fmt.Sprintf("%s %-9s %s", FormatMode(e.Mode), e.Kind, f.paint(e.Kind, name)))
		if e.Detail != "" {
			sb.WriteString("  ")
			sb.WriteString(f.dim.Sprint(e.Detail))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatMode formats permission bits like ls(1), e.g. "-rw-r--r--".
func FormatMode(m os.FileMode) string {
	return m.String()
}

// FormatAccess formats an access level for display.
func FormatAccess(access model.Access) string {
	switch access {
	case model.AccessRead:
		return "read-only"
	case model.AccessWrite:
		return "write-only"
	case model.AccessReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("access(%d)", access)
	}
}
