package engine

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/wavecell/wavecell"
	"github.com/wavecell/wavecell/device"
	"github.com/wavecell/wavecell/vars"
)

// Report appends one tab-separated line of scalar values to a file after
// every step. Vector scalars contribute one column per component. The
// first line is a commented header naming the columns.
type Report struct {
	Base
	path       string
	fieldNames []string

	fields []*vars.Variable
	file   *os.File
	w      *bufio.Writer
}

// NewReport creates a report of the named scalar variables into path.
func NewReport(name, path string, fields []string) *Report {
	return &Report{
		Base:       newBase(name, false),
		path:       path,
		fieldNames: append([]string(nil), fields...),
	}
}

// NewOnceReport creates a report that writes a single line after the
// first step and is skipped thereafter.
func NewOnceReport(name, path string, fields []string) *Report {
	t := NewReport(name, path, fields)
	t.once = true
	return t
}

func (t *Report) Setup(s *Server) error {
	reg := s.Variables()
	t.fields = t.fields[:0]
	for _, name := range t.fieldNames {
		v, err := reg.Get(name)
		if err != nil {
			return err
		}
		if v.IsArray() {
			return fmt.Errorf("%w: report field %q is an array",
				wavecell.ErrInvalidVariableType, name)
		}
		t.fields = append(t.fields, v)
	}

	f, err := os.Create(t.path)
	if err != nil {
		return fmt.Errorf("%w: report %q: %v", wavecell.ErrInvalidConfiguration,
			t.Name(), err)
	}
	t.file = f
	t.w = bufio.NewWriter(f)

	var cols []string
	for _, v := range t.fields {
		n := v.Type().Components()
		if n == 1 {
			cols = append(cols, v.Name())
			continue
		}
		suffix := [4]string{"x", "y", "z", "w"}
		for c := 0; c < n; c++ {
			cols = append(cols, v.Name()+"_"+suffix[c])
		}
	}
	fmt.Fprintf(t.w, "# %s\n", strings.Join(cols, "\t"))

	return t.bind(reg, t.fieldNames, nil)
}

func (t *Report) Run(s *Server, wait []device.Event) (device.Event, error) {
	cols := make([]string, 0, len(t.fields))
	for _, v := range t.fields {
		val, err := scalarValue(v)
		if err != nil {
			return nil, err
		}
		cols = append(cols, formatScalar(val)...)
	}
	fmt.Fprintln(t.w, strings.Join(cols, "\t"))
	if err := t.w.Flush(); err != nil {
		return nil, fmt.Errorf("report %q: %w", t.Name(), err)
	}
	return nil, nil
}

// Close flushes and closes the report file.
func (t *Report) Close() error {
	if t.file == nil {
		return nil
	}
	t.w.Flush()
	err := t.file.Close()
	t.file = nil
	return err
}

func formatScalar(val any) []string {
	f32 := func(x float32) string {
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	}
	switch x := val.(type) {
	case int32:
		return []string{strconv.FormatInt(int64(x), 10)}
	case uint32:
		return []string{strconv.FormatUint(uint64(x), 10)}
	case float32:
		return []string{f32(x)}
	case device.IVec2:
		return []string{strconv.FormatInt(int64(x[0]), 10), strconv.FormatInt(int64(x[1]), 10)}
	case device.IVec3:
		return []string{strconv.FormatInt(int64(x[0]), 10), strconv.FormatInt(int64(x[1]), 10),
			strconv.FormatInt(int64(x[2]), 10)}
	case device.IVec4:
		return []string{strconv.FormatInt(int64(x[0]), 10), strconv.FormatInt(int64(x[1]), 10),
			strconv.FormatInt(int64(x[2]), 10), strconv.FormatInt(int64(x[3]), 10)}
	case device.UVec2:
		return []string{strconv.FormatUint(uint64(x[0]), 10), strconv.FormatUint(uint64(x[1]), 10)}
	case device.UVec3:
		return []string{strconv.FormatUint(uint64(x[0]), 10), strconv.FormatUint(uint64(x[1]), 10),
			strconv.FormatUint(uint64(x[2]), 10)}
	case device.UVec4:
		return []string{strconv.FormatUint(uint64(x[0]), 10), strconv.FormatUint(uint64(x[1]), 10),
			strconv.FormatUint(uint64(x[2]), 10), strconv.FormatUint(uint64(x[3]), 10)}
	case device.Vec2:
		return []string{f32(x[0]), f32(x[1])}
	case device.Vec3:
		return []string{f32(x[0]), f32(x[1]), f32(x[2])}
	case device.Vec4:
		return []string{f32(x[0]), f32(x[1]), f32(x[2]), f32(x[3])}
	}
	return []string{fmt.Sprint(val)}
}
