package volumeio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gonum.org/v1/gonum/mat"

	perr "lungctanalyzer/internal/errors"
	"lungctanalyzer/internal/models"
)

// NIfTI-1 datatype codes
const (
	niftiUint8   = 2
	niftiInt16   = 4
	niftiInt32   = 8
	niftiFloat32 = 16
	niftiFloat64 = 64
	niftiInt8    = 256
	niftiUint16  = 512
)

const (
	niftiHeaderSize = 348
	niftiVoxOffset  = 352
)

// niftiHeader is the on-disk NIfTI-1 header, 348 bytes without padding
type niftiHeader struct {
	SizeofHdr    int32
	DataType     [10]byte
	DbName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte
	Dim          [8]int16
	IntentP1     float32
	IntentP2     float32
	IntentP3     float32
	IntentCode   int16
	Datatype     int16
	Bitpix       int16
	SliceStart   int16
	Pixdim       [8]float32
	VoxOffset    float32
	SclSlope     float32
	SclInter     float32
	SliceEnd     int16
	SliceCode    byte
	XyztUnits    byte
	CalMax       float32
	CalMin       float32
	SliceDur     float32
	Toffset      float32
	Glmax        int32
	Glmin        int32
	Descrip      [80]byte
	AuxFile      [24]byte
	QformCode    int16
	SformCode    int16
	QuaternB     float32
	QuaternC     float32
	QuaternD     float32
	QoffsetX     float32
	QoffsetY     float32
	QoffsetZ     float32
	SrowX        [4]float32
	SrowY        [4]float32
	SrowZ        [4]float32
	IntentName   [16]byte
	Magic        [4]byte
}

// niftiImage is a decoded NIfTI-1 file with voxel values as float64
type niftiImage struct {
	Geometry models.Geometry
	Data     []float64
}

// readNifti reads a .nii or .nii.gz file
func readNifti(path string) (*niftiImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeInput, "error opening %s", path)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeInput, "error opening gzip stream of %s", path)
		}
		defer zr.Close()
		r = zr
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeInput, "error reading %s", path)
	}
	img, err := decodeNifti(raw)
	if err != nil {
		return nil, perr.WithField(err, path)
	}
	return img, nil
}

// decodeNifti parses a complete single-file NIfTI-1 image
func decodeNifti(raw []byte) (*niftiImage, error) {
	if len(raw) < niftiHeaderSize {
		return nil, perr.Inputf("file too short for a NIfTI header (%d bytes)", len(raw))
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != niftiHeaderSize {
		if int32(binary.BigEndian.Uint32(raw)) != niftiHeaderSize {
			return nil, perr.Inputf("not a NIfTI-1 file")
		}
		order = binary.BigEndian
	}

	var hdr niftiHeader
	if err := binary.Read(bytes.NewReader(raw[:niftiHeaderSize]), order, &hdr); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeInput, "error decoding NIfTI header")
	}
	if string(hdr.Magic[:3]) != "n+1" {
		return nil, perr.Inputf("unsupported NIfTI magic %q, only single-file images are read", hdr.Magic[:3])
	}
	if hdr.Dim[0] < 3 {
		return nil, perr.Inputf("NIfTI image has %d dimensions, need 3", hdr.Dim[0])
	}
	for i := 4; i <= int(hdr.Dim[0]) && i < 8; i++ {
		if hdr.Dim[i] > 1 {
			return nil, perr.Inputf("NIfTI image has extent %d along dimension %d, only 3D images are supported", hdr.Dim[i], i)
		}
	}

	geom, err := niftiGeometry(&hdr)
	if err != nil {
		return nil, err
	}

	n := geom.NumVoxels()
	offset := int(hdr.VoxOffset)
	if offset < niftiVoxOffset {
		offset = niftiVoxOffset
	}
	data, err := decodeVoxels(raw[min(offset, len(raw)):], order, hdr.Datatype, n)
	if err != nil {
		return nil, err
	}

	if hdr.SclSlope != 0 && !(hdr.SclSlope == 1 && hdr.SclInter == 0) {
		slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}
	return &niftiImage{Geometry: geom, Data: data}, nil
}

// niftiGeometry derives spacing, origin and direction from the sform if set,
// otherwise from the qform quaternion, otherwise from pixdim alone
func niftiGeometry(hdr *niftiHeader) (models.Geometry, error) {
	g := models.Geometry{
		Dims:    [3]int{int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])},
		Spacing: [3]float64{math.Abs(float64(hdr.Pixdim[1])), math.Abs(float64(hdr.Pixdim[2])), math.Abs(float64(hdr.Pixdim[3]))},
	}

	switch {
	case hdr.SformCode > 0:
		affine := mat.NewDense(3, 3, []float64{
			float64(hdr.SrowX[0]), float64(hdr.SrowX[1]), float64(hdr.SrowX[2]),
			float64(hdr.SrowY[0]), float64(hdr.SrowY[1]), float64(hdr.SrowY[2]),
			float64(hdr.SrowZ[0]), float64(hdr.SrowZ[1]), float64(hdr.SrowZ[2]),
		})
		for c := 0; c < 3; c++ {
			col := mat.NewVecDense(3, mat.Col(nil, c, affine))
			norm := mat.Norm(col, 2)
			if norm == 0 {
				return g, perr.Inputf("NIfTI sform column %d is zero", c)
			}
			g.Spacing[c] = norm
			for r := 0; r < 3; r++ {
				g.Direction[r*3+c] = col.AtVec(r) / norm
			}
		}
		g.Origin = [3]float64{float64(hdr.SrowX[3]), float64(hdr.SrowY[3]), float64(hdr.SrowZ[3])}

	case hdr.QformCode > 0:
		rot := quaternionMatrix(float64(hdr.QuaternB), float64(hdr.QuaternC), float64(hdr.QuaternD))
		if hdr.Pixdim[0] < 0 {
			// qfac flips the k axis
			for r := 0; r < 3; r++ {
				rot.Set(r, 2, -rot.At(r, 2))
			}
		}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				g.Direction[r*3+c] = rot.At(r, c)
			}
		}
		g.Origin = [3]float64{float64(hdr.QoffsetX), float64(hdr.QoffsetY), float64(hdr.QoffsetZ)}

	default:
		g.Direction = models.IdentityDirection()
	}

	if err := g.Validate(); err != nil {
		return g, perr.Wrap(err, perr.ErrorCodeInput, "invalid NIfTI geometry")
	}
	return g, nil
}

// quaternionMatrix returns the rotation matrix of the unit quaternion (a,b,c,d)
// where a is derived from b, c and d
func quaternionMatrix(b, c, d float64) *mat.Dense {
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// 180 degree rotation: renormalize b, c, d
		s := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*s, c*s, d*s
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	return mat.NewDense(3, 3, []float64{
		a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c),
		2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b),
		2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b,
	})
}

// decodeVoxels converts n voxels of the given datatype to float64
func decodeVoxels(body []byte, order binary.ByteOrder, datatype int16, n int) ([]float64, error) {
	size := 0
	switch datatype {
	case niftiUint8, niftiInt8:
		size = 1
	case niftiInt16, niftiUint16:
		size = 2
	case niftiInt32, niftiFloat32:
		size = 4
	case niftiFloat64:
		size = 8
	default:
		return nil, perr.Inputf("unsupported NIfTI datatype %d", datatype)
	}
	if len(body) < n*size {
		return nil, perr.Inputf("NIfTI body holds %d bytes, need %d", len(body), n*size)
	}

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		p := body[i*size:]
		switch datatype {
		case niftiUint8:
			out[i] = float64(p[0])
		case niftiInt8:
			out[i] = float64(int8(p[0]))
		case niftiInt16:
			out[i] = float64(int16(order.Uint16(p)))
		case niftiUint16:
			out[i] = float64(order.Uint16(p))
		case niftiInt32:
			out[i] = float64(int32(order.Uint32(p)))
		case niftiFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(p)))
		case niftiFloat64:
			out[i] = math.Float64frombits(order.Uint64(p))
		}
	}
	return out, nil
}

// writeNifti writes a little-endian single-file NIfTI-1 image with an sform
// built from the geometry. Paths ending in .gz are compressed.
func writeNifti(path string, g models.Geometry, datatype int16, body []byte) error {
	var bitpix int16
	switch datatype {
	case niftiUint8:
		bitpix = 8
	case niftiInt16:
		bitpix = 16
	default:
		return fmt.Errorf("writing NIfTI datatype %d is not supported", datatype)
	}

	hdr := niftiHeader{
		SizeofHdr: niftiHeaderSize,
		Datatype:  datatype,
		Bitpix:    bitpix,
		VoxOffset: niftiVoxOffset,
		SclSlope:  1,
		XyztUnits: 2, // mm
		SformCode: 1,
		QformCode: 0,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim = [8]int16{3, int16(g.Dims[0]), int16(g.Dims[1]), int16(g.Dims[2]), 1, 1, 1, 1}
	hdr.Pixdim = [8]float32{1, float32(g.Spacing[0]), float32(g.Spacing[1]), float32(g.Spacing[2])}
	rows := [3]*[4]float32{&hdr.SrowX, &hdr.SrowY, &hdr.SrowZ}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rows[r][c] = float32(g.Direction[r*3+c] * g.Spacing[c])
		}
		rows[r][3] = float32(g.Origin[r])
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("error encoding NIfTI header: %w", err)
	}
	buf.Write([]byte{0, 0, 0, 0}) // no extensions
	buf.Write(body)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var zw *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		zw = gzip.NewWriter(f)
		w = zw
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("error finishing gzip stream of %s: %w", path, err)
		}
	}
	return f.Close()
}

// WriteVolumeNifti writes a CT volume as int16 NIfTI, rounding and clamping HU
func WriteVolumeNifti(path string, vol *models.Volume) error {
	return writeNifti(path, vol.Geometry, niftiInt16, encodeInt16(vol.Data))
}

// WriteLabelsNifti writes a uint8 label grid as NIfTI
func WriteLabelsNifti(path string, g models.Geometry, labels []uint8) error {
	return writeNifti(path, g, niftiUint8, labels)
}
