package mesh

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"
)

// ReadPoseCSV reads poses stored as blocks of four comma-separated lines.
// Line k of a block is row k of a 4x4 matrix: the upper-left 3x3 block is
// the rotation, the first three entries of the last column the translation
// and the bottom-right entry the timestamp. Blank lines are ignored.
func ReadPoseCSV(r io.Reader) ([]Pose, error) {
	var (
		poses []Pose
		rows  [4][4]float64
		row   int
	)
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			return nil, errors.Errorf("line %d: expected 4 values, got %d", lineNo, len(fields))
		}
		for j, f := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNo)
			}
			rows[row][j] = v
		}
		row++
		if row == 4 {
			poses = append(poses, poseFromRows(rows))
			row = 0
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading pose CSV")
	}
	if row != 0 {
		return nil, errors.Errorf("incomplete pose block: %d of 4 lines after pose %d", row, len(poses))
	}
	return poses, nil
}

func poseFromRows(m [4][4]float64) Pose {
	var p Pose
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p.Rotation[i][j] = m[i][j]
		}
	}
	p.Translation = r3.Vec{X: m[0][3], Y: m[1][3], Z: m[2][3]}
	p.Timestamp = m[3][3]
	return p
}

// ReadPoseCSVFile opens path and reads it with ReadPoseCSV.
func ReadPoseCSVFile(path string) ([]Pose, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening pose file")
	}
	defer f.Close()
	poses, err := ReadPoseCSV(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return poses, nil
}

// WritePoseCSV writes poses in the format read by ReadPoseCSV.
func WritePoseCSV(w io.Writer, poses []Pose) error {
	bw := bufio.NewWriter(w)
	for _, p := range poses {
		R, t := p.Rotation, p.Translation
		tv := [3]float64{t.X, t.Y, t.Z}
		for i := 0; i < 3; i++ {
			fmt.Fprintf(bw, "%s,%s,%s,%s\n", ftoa(R[i][0]), ftoa(R[i][1]), ftoa(R[i][2]), ftoa(tv[i]))
		}
		fmt.Fprintf(bw, "0,0,0,%s\n", ftoa(p.Timestamp))
	}
	return errors.Wrap(bw.Flush(), "writing pose CSV")
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// CloudPath returns the cloud file of pose i for a trajectory file: the
// trajectory path up to its last underscore, then "_<i>.pcd". Without an
// underscore the extension is replaced instead.
func CloudPath(trajectoryPath string, i int) string {
	var base string
	if idx := strings.LastIndex(trajectoryPath, "_"); idx > strings.LastIndex(trajectoryPath, string(filepath.Separator)) {
		base = trajectoryPath[:idx]
	} else {
		base = strings.TrimSuffix(trajectoryPath, filepath.Ext(trajectoryPath))
	}
	return fmt.Sprintf("%s_%d.pcd", base, i)
}

// pcdHeader holds the parts of a PCD header needed to decode x, y and z.
type pcdHeader struct {
	fields []string
	size   []int
	typ    []byte
	count  []int
	points int
	data   string
}

// offsetOf returns the byte offset of a field within a binary record, and
// the field index.
func (h pcdHeader) offsetOf(name string) (int, int, bool) {
	off := 0
	for i, f := range h.fields {
		if f == name {
			return off, i, true
		}
		off += h.size[i] * h.count[i]
	}
	return 0, 0, false
}

func (h pcdHeader) recordSize() int {
	n := 0
	for i := range h.fields {
		n += h.size[i] * h.count[i]
	}
	return n
}

// column returns the ascii token index of a field.
func (h pcdHeader) column(name string) (int, bool) {
	col := 0
	for i, f := range h.fields {
		if f == name {
			return col, true
		}
		col += h.count[i]
	}
	return 0, false
}

func parsePCDHeader(in *bufio.Reader) (pcdHeader, error) {
	var h pcdHeader
	width, height := -1, -1
	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return h, errors.Wrap(err, "reading PCD header")
		}
		line, _, _ = strings.Cut(line, "#")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		tokens := strings.Fields(value)
		switch strings.ToUpper(key) {
		case "VERSION", "VIEWPOINT":
		case "FIELDS":
			h.fields = tokens
		case "SIZE":
			if h.size, err = atois(tokens); err != nil {
				return h, errors.Wrap(err, "invalid SIZE")
			}
		case "TYPE":
			h.typ = make([]byte, len(tokens))
			for i, tok := range tokens {
				h.typ[i] = strings.ToUpper(tok)[0]
			}
		case "COUNT":
			if h.count, err = atois(tokens); err != nil {
				return h, errors.Wrap(err, "invalid COUNT")
			}
		case "WIDTH":
			if width, err = strconv.Atoi(value); err != nil {
				return h, errors.Wrap(err, "invalid WIDTH")
			}
		case "HEIGHT":
			if height, err = strconv.Atoi(value); err != nil {
				return h, errors.Wrap(err, "invalid HEIGHT")
			}
		case "POINTS":
			if h.points, err = strconv.Atoi(value); err != nil {
				return h, errors.Wrap(err, "invalid POINTS")
			}
		case "DATA":
			h.data = value
			if h.count == nil {
				h.count = make([]int, len(h.fields))
				for i := range h.count {
					h.count[i] = 1
				}
			}
			if h.points == 0 && width > 0 && height > 0 {
				h.points = width * height
			}
			return h, h.validate()
		default:
			return h, errors.Errorf("unknown PCD header line %q", line)
		}
	}
}

func (h pcdHeader) validate() error {
	n := len(h.fields)
	if n == 0 {
		return errors.New("PCD header has no FIELDS")
	}
	if len(h.size) != n || len(h.typ) != n || len(h.count) != n {
		return errors.Errorf("PCD header SIZE/TYPE/COUNT do not match %d fields", n)
	}
	for _, name := range []string{"x", "y", "z"} {
		_, i, ok := h.offsetOf(name)
		if !ok {
			return errors.Errorf("PCD has no %q field", name)
		}
		if h.typ[i] != 'F' || (h.size[i] != 4 && h.size[i] != 8) {
			return errors.Errorf("PCD field %q must be F4 or F8", name)
		}
	}
	if h.points < 0 {
		return errors.Errorf("invalid POINTS %d", h.points)
	}
	return nil
}

func atois(tokens []string) ([]int, error) {
	out := make([]int, len(tokens))
	for i, tok := range tokens {
		v, err := strconv.Atoi(tok)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ReadPCD decodes the x, y and z coordinates of an ascii or binary PCD
// stream. Other fields are skipped. Compressed data is not supported.
func ReadPCD(r io.Reader) (Cloud, error) {
	in := bufio.NewReader(r)
	h, err := parsePCDHeader(in)
	if err != nil {
		return nil, err
	}
	switch h.data {
	case "ascii":
		return readPCDAscii(in, h)
	case "binary":
		return readPCDBinary(in, h)
	case "binary_compressed":
		return nil, errors.New("compressed PCD not supported")
	default:
		return nil, errors.Errorf("unsupported PCD data type %q", h.data)
	}
}

func readPCDAscii(in *bufio.Reader, h pcdHeader) (Cloud, error) {
	var cols, bits [3]int
	for k, name := range []string{"x", "y", "z"} {
		cols[k], _ = h.column(name)
		_, i, _ := h.offsetOf(name)
		bits[k] = 8 * h.size[i]
	}
	cloud := make(Cloud, 0, h.points)
	sc := bufio.NewScanner(in)
	for len(cloud) < h.points && sc.Scan() {
		tokens := strings.Fields(sc.Text())
		if len(tokens) == 0 {
			continue
		}
		var xyz [3]float64
		for k, c := range cols {
			if c >= len(tokens) {
				return nil, errors.Errorf("point %d: missing coordinate", len(cloud))
			}
			v, err := strconv.ParseFloat(tokens[c], bits[k])
			if err != nil {
				return nil, errors.Wrapf(err, "point %d", len(cloud))
			}
			xyz[k] = v
		}
		cloud = append(cloud, r3.Vec{X: xyz[0], Y: xyz[1], Z: xyz[2]})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading PCD points")
	}
	if len(cloud) != h.points {
		return nil, errors.Errorf("PCD declares %d points but holds %d", h.points, len(cloud))
	}
	return cloud, nil
}

func readPCDBinary(in *bufio.Reader, h pcdHeader) (Cloud, error) {
	var offs, sizes [3]int
	for k, name := range []string{"x", "y", "z"} {
		off, i, _ := h.offsetOf(name)
		offs[k], sizes[k] = off, h.size[i]
	}
	rec := make([]byte, h.recordSize())
	cloud := make(Cloud, h.points)
	for i := range cloud {
		if _, err := io.ReadFull(in, rec); err != nil {
			return nil, errors.Wrapf(err, "reading point %d", i)
		}
		var xyz [3]float64
		for k := range xyz {
			b := rec[offs[k]:]
			if sizes[k] == 4 {
				xyz[k] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
			} else {
				xyz[k] = math.Float64frombits(binary.LittleEndian.Uint64(b))
			}
		}
		cloud[i] = r3.Vec{X: xyz[0], Y: xyz[1], Z: xyz[2]}
	}
	return cloud, nil
}

// ReadPCDFile opens path and reads it with ReadPCD.
func ReadPCDFile(path string) (Cloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening PCD file")
	}
	defer f.Close()
	cloud, err := ReadPCD(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return cloud, nil
}

// WritePCD writes cloud as a PCD stream with float32 x y z fields, in
// "ascii" or "binary" layout.
func WritePCD(w io.Writer, cloud Cloud, data string) error {
	if data != "ascii" && data != "binary" {
		return errors.Errorf("unsupported PCD data type %q", data)
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "VERSION .7\nFIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\n")
	fmt.Fprintf(bw, "WIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS %d\nDATA %s\n", len(cloud), len(cloud), data)
	var buf [12]byte
	for _, p := range cloud {
		if data == "ascii" {
			fmt.Fprintf(bw, "%s %s %s\n",
				strconv.FormatFloat(p.X, 'g', -1, 32),
				strconv.FormatFloat(p.Y, 'g', -1, 32),
				strconv.FormatFloat(p.Z, 'g', -1, 32))
			continue
		}
		binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(p.Y)))
		binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(p.Z)))
		bw.Write(buf[:])
	}
	return errors.Wrap(bw.Flush(), "writing PCD")
}

// Window is a pose window with one local cloud per pose.
type Window struct {
	Poses  []Pose
	Clouds []Cloud
}

// LoadWindow reads the poses of a trajectory file and the cloud of every
// pose, with at most workers cloud files open at once.
func LoadWindow(ctx context.Context, trajectoryPath string, workers int) (*Window, error) {
	poses, err := ReadPoseCSVFile(trajectoryPath)
	if err != nil {
		return nil, err
	}
	if len(poses) == 0 {
		return nil, errors.Errorf("%s holds no poses", trajectoryPath)
	}
	if workers < 1 {
		workers = 1
	}

	clouds := make([]Cloud, len(poses))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range poses {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			cloud, err := ReadPCDFile(CloudPath(trajectoryPath, i))
			if err != nil {
				return errors.Wrapf(err, "cloud of pose %d", i)
			}
			clouds[i] = cloud
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Window{Poses: poses, Clouds: clouds}, nil
}
