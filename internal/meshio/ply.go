// Package meshio reads and writes ASCII PLY meshes.
package meshio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cwbudde/shapeopt/internal/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrUnsupportedFormat is returned for PLY variants the reader does not handle.
var ErrUnsupportedFormat = errors.New("unsupported PLY format")

// ConstrainedProperty is the vertex property flagging fixed vertices.
const ConstrainedProperty = "constrained"

// Document is a parsed PLY file: the mesh plus every scalar vertex property
// other than the coordinates, keyed by property name.
type Document struct {
	Mesh           *mesh.Mesh
	VertexProperty map[string][]float64
}

// Constrained returns the per-vertex constrained flags, or nil when the file
// does not carry them.
func (d *Document) Constrained() []bool {
	values, ok := d.VertexProperty[ConstrainedProperty]
	if !ok {
		return nil
	}
	flags := make([]bool, len(values))
	for i, v := range values {
		flags[i] = v != 0
	}
	return flags
}

type element struct {
	name  string
	count int
	props []property
}

type property struct {
	name   string
	isList bool
}

// ReadPLY loads an ASCII PLY file.
func ReadPLY(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mesh: %w", err)
	}
	defer f.Close()

	doc, err := DecodePLY(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return doc, nil
}

// DecodePLY parses an ASCII PLY stream.
func DecodePLY(r io.Reader) (*Document, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	elements, err := readHeader(sc)
	if err != nil {
		return nil, err
	}

	var (
		verts []r3.Vec
		faces [][3]int
		extra = make(map[string][]float64)
	)

	for _, el := range elements {
		for n := 0; n < el.count; n++ {
			fields, err := nextFields(sc)
			if err != nil {
				return nil, fmt.Errorf("%s %d: %w", el.name, n, err)
			}
			switch el.name {
			case "vertex":
				v, err := parseVertex(el, fields, extra)
				if err != nil {
					return nil, fmt.Errorf("vertex %d: %w", n, err)
				}
				verts = append(verts, v)
			case "face":
				tris, err := parseFace(el, fields)
				if err != nil {
					return nil, fmt.Errorf("face %d: %w", n, err)
				}
				faces = append(faces, tris...)
			}
		}
	}

	m, err := mesh.New(verts, faces)
	if err != nil {
		return nil, err
	}
	return &Document{Mesh: m, VertexProperty: extra}, nil
}

func readHeader(sc *bufio.Scanner) ([]element, error) {
	if !sc.Scan() || strings.TrimSpace(sc.Text()) != "ply" {
		return nil, fmt.Errorf("%w: missing magic", ErrUnsupportedFormat)
	}

	var elements []element
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 || fields[1] != "ascii" {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, strings.Join(fields[1:], " "))
			}
		case "comment", "obj_info":
		case "element":
			if len(fields) != 3 {
				return nil, fmt.Errorf("malformed element line %q", sc.Text())
			}
			count, err := strconv.Atoi(fields[2])
			if err != nil || count < 0 {
				return nil, fmt.Errorf("malformed element count %q", fields[2])
			}
			elements = append(elements, element{name: fields[1], count: count})
		case "property":
			if len(elements) == 0 {
				return nil, fmt.Errorf("property before element")
			}
			el := &elements[len(elements)-1]
			if len(fields) >= 5 && fields[1] == "list" {
				el.props = append(el.props, property{name: fields[4], isList: true})
			} else if len(fields) == 3 {
				el.props = append(el.props, property{name: fields[2]})
			} else {
				return nil, fmt.Errorf("malformed property line %q", sc.Text())
			}
		case "end_header":
			return elements, nil
		default:
			return nil, fmt.Errorf("unexpected header line %q", sc.Text())
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("missing end_header")
}

func nextFields(sc *bufio.Scanner) ([]string, error) {
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) > 0 {
			return fields, nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.ErrUnexpectedEOF
}

func parseVertex(el element, fields []string, extra map[string][]float64) (r3.Vec, error) {
	if len(fields) < len(el.props) {
		return r3.Vec{}, fmt.Errorf("expected %d values, got %d", len(el.props), len(fields))
	}
	var v r3.Vec
	for i, p := range el.props {
		if p.isList {
			return r3.Vec{}, fmt.Errorf("%w: list property %q on vertex", ErrUnsupportedFormat, p.name)
		}
		x, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return r3.Vec{}, fmt.Errorf("property %s: %w", p.name, err)
		}
		switch p.name {
		case "x":
			v.X = x
		case "y":
			v.Y = x
		case "z":
			v.Z = x
		default:
			extra[p.name] = append(extra[p.name], x)
		}
	}
	return v, nil
}

// faceIndexList picks the list property holding the vertex indices:
// vertex_indices or vertex_index by name, otherwise the first list.
func faceIndexList(el element) (int, error) {
	first := -1
	for i, p := range el.props {
		if !p.isList {
			continue
		}
		if p.name == "vertex_indices" || p.name == "vertex_index" {
			return i, nil
		}
		if first < 0 {
			first = i
		}
	}
	if first < 0 {
		return 0, fmt.Errorf("%w: face element without a list property", ErrUnsupportedFormat)
	}
	return first, nil
}

// parseFace fan-triangulates the polygon in the index list of a face row.
// Scalar properties take one field each, lists a count followed by that many
// entries.
func parseFace(el element, fields []string) ([][3]int, error) {
	target, err := faceIndexList(el)
	if err != nil {
		return nil, err
	}

	pos := 0
	for i, p := range el.props {
		if pos >= len(fields) {
			return nil, fmt.Errorf("expected property %s, got %d values", p.name, len(fields))
		}
		if !p.isList {
			pos++
			continue
		}
		n, err := strconv.Atoi(fields[pos])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("property %s: malformed count %q", p.name, fields[pos])
		}
		if len(fields) < pos+1+n {
			return nil, fmt.Errorf("property %s: expected %d entries, got %d", p.name, n, len(fields)-pos-1)
		}
		if i == target {
			return triangulate(fields[pos+1 : pos+1+n])
		}
		pos += 1 + n
	}
	return nil, fmt.Errorf("face index list not found")
}

func triangulate(fields []string) ([][3]int, error) {
	n := len(fields)
	if n < 3 {
		return nil, fmt.Errorf("face needs at least 3 indices, got %d", n)
	}
	idx := make([]int, n)
	for i := range idx {
		var err error
		if idx[i], err = strconv.Atoi(fields[i]); err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
	}
	tris := make([][3]int, 0, n-2)
	for i := 1; i+1 < n; i++ {
		tris = append(tris, [3]int{idx[0], idx[i], idx[i+1]})
	}
	return tris, nil
}

// WritePLY writes m as ASCII PLY. When quality is non-nil it is attached as a
// per-vertex "quality" property.
func WritePLY(path string, m *mesh.Mesh, quality []float64) error {
	if quality != nil && len(quality) != m.NumVertices() {
		return fmt.Errorf("quality has %d values, mesh has %d vertices", len(quality), m.NumVertices())
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create mesh file: %w", err)
	}

	w := bufio.NewWriter(f)
	if err := EncodePLY(w, m, quality); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush mesh file: %w", err)
	}
	return f.Close()
}

// EncodePLY writes the ASCII PLY representation of m to w. Values are
// declared double and printed with the shortest exact representation.
func EncodePLY(w io.Writer, m *mesh.Mesh, quality []float64) error {
	bw := &errWriter{w: w}
	bw.printf("ply\nformat ascii 1.0\n")
	bw.printf("element vertex %d\n", m.NumVertices())
	bw.printf("property double x\nproperty double y\nproperty double z\n")
	if quality != nil {
		bw.printf("property double quality\n")
	}
	bw.printf("element face %d\n", m.NumFaces())
	bw.printf("property list uchar int vertex_indices\nend_header\n")

	for i := 0; i < m.NumVertices(); i++ {
		v := m.Vertex(i)
		if quality != nil {
			bw.printf("%g %g %g %g\n", v.X, v.Y, v.Z, quality[i])
		} else {
			bw.printf("%g %g %g\n", v.X, v.Y, v.Z)
		}
	}
	for f := 0; f < m.NumFaces(); f++ {
		face := m.Face(f)
		bw.printf("3 %d %d %d\n", face[0], face[1], face[2])
	}
	if bw.err != nil {
		return fmt.Errorf("failed to encode mesh: %w", bw.err)
	}
	return nil
}

type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

// FileWriter writes checkpoint meshes to disk, creating parent directories.
type FileWriter struct{}

// WriteMesh implements the optimizer's mesh writer.
func (FileWriter) WriteMesh(m *mesh.Mesh, filename string, quality []float64) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	return WritePLY(filename, m, quality)
}
