package synth

import (
	"fmt"
	"io"
	"strconv"

	"github.com/GoogleCloudPlatform/go-dicom-parser/dicom"

	"github.com/wxhou/cloud-dicom-downloader/internal/study"
)

// SOPClassSecondaryCapture is the SOP class of every synthesized file.
// The portals strip the original SOP class along with the rest of the
// file, so secondary capture is the honest description of what we write.
const SOPClassSecondaryCapture = "1.2.840.10008.5.1.4.1.1.7"

// JPEG2000LosslessUID is the transfer syntax for encapsulated frames.
const JPEG2000LosslessUID = "1.2.840.10008.1.2.4.90"

// Clinical tags not covered by the library's file-meta constants.
const (
	tagSpecificCharacterSet   = 0x00080005
	tagSOPClassUID            = 0x00080016
	tagSOPInstanceUID         = 0x00080018
	tagStudyDate              = 0x00080020
	tagStudyTime              = 0x00080030
	tagModality               = 0x00080060
	tagStudyDescription       = 0x00081030
	tagSeriesDescription      = 0x0008103E
	tagPatientName            = 0x00100010
	tagStudyInstanceUID       = 0x0020000D
	tagSeriesInstanceUID      = 0x0020000E
	tagSeriesNumber           = 0x00200011
	tagInstanceNumber         = 0x00200013
	tagSamplesPerPixel        = 0x00280002
	tagPhotometric            = 0x00280004
	tagRows                   = 0x00280010
	tagColumns                = 0x00280011
	tagBitsAllocated          = 0x00280100
	tagBitsStored             = 0x00280101
	tagHighBit                = 0x00280102
	tagPixelRepresentation    = 0x00280103
)

var implementationClassUID = DeriveUID("implementation-class")

// Synthesize builds the dataset for one image. Identity tags are derived
// from the descriptors only, so any two datasets of the same series or
// study agree on their shared tags by construction.
func Synthesize(st *study.Study, se *study.Series, img *study.Image, frame *study.PixelFrame) (*dicom.DataSet, error) {
	if frame == nil {
		return nil, fmt.Errorf("synth: nil pixel frame")
	}

	studyUID := NormalizeUID(st.ID, "study")
	seriesUID := NormalizeUID(se.ID, "series", st.ID)
	sopUID := DeriveUID("instance", st.ID, se.ID, strconv.Itoa(img.Number))

	transferSyntax := dicom.ExplicitVRLittleEndianUID
	if frame.Encapsulated {
		transferSyntax = JPEG2000LosslessUID
	}

	elements := map[dicom.DataElementTag]*dicom.DataElement{}
	put := func(tag uint32, vr *dicom.VR, value interface{}) {
		elements[dicom.DataElementTag(tag)] = &dicom.DataElement{Tag: dicom.DataElementTag(tag), VR: vr, ValueField: value}
	}

	// Extra portal tags go in first so the identity and pixel tags below
	// always win. Group 0002 is owned by the file meta header and portals
	// have no business writing it.
	for _, t := range img.Tags {
		if t.Group == 0x0002 {
			continue
		}
		tag := uint32(t.Group)<<16 | uint32(t.Element)
		vr, value := convertTagValue(dicom.DataElementTag(tag), t.Value)
		put(tag, vr, value)
	}

	// File meta group.
	put(uint32(dicom.FileMetaInformationVersionTag), dicom.OBVR, dicom.NewBulkDataBuffer([]byte{0x00, 0x01}))
	put(uint32(dicom.MediaStorageSOPClassUIDTag), dicom.UIVR, []string{SOPClassSecondaryCapture})
	put(uint32(dicom.MediaStorageSOPInstanceUIDTag), dicom.UIVR, []string{sopUID})
	put(uint32(dicom.TransferSyntaxUIDTag), dicom.UIVR, []string{transferSyntax})
	put(uint32(dicom.ImplementationClassUIDTag), dicom.UIVR, []string{implementationClassUID})
	put(uint32(dicom.ImplementationVersionNameTag), dicom.SHVR, []string{"CLOUD-DICOM-DL"})

	// Identity.
	put(tagSpecificCharacterSet, dicom.CSVR, []string{"ISO_IR 192"})
	put(tagSOPClassUID, dicom.UIVR, []string{SOPClassSecondaryCapture})
	put(tagSOPInstanceUID, dicom.UIVR, []string{sopUID})
	put(tagStudyInstanceUID, dicom.UIVR, []string{studyUID})
	put(tagSeriesInstanceUID, dicom.UIVR, []string{seriesUID})
	put(tagPatientName, dicom.PNVR, []string{st.PatientName})
	put(tagStudyDescription, dicom.LOVR, []string{st.ExamName})
	put(tagStudyDate, dicom.DAVR, []string{st.ExamTime.Format("20060102")})
	put(tagStudyTime, dicom.TMVR, []string{st.ExamTime.Format("150405")})
	put(tagSeriesNumber, dicom.ISVR, []string{strconv.Itoa(se.Number)})
	put(tagInstanceNumber, dicom.ISVR, []string{strconv.Itoa(img.Number)})
	if se.Name != "" {
		put(tagSeriesDescription, dicom.LOVR, []string{se.Name})
	}
	if _, ok := elements[tagModality]; !ok {
		put(tagModality, dicom.CSVR, []string{"OT"})
	}

	// Pixel geometry, verbatim from the decoded frame.
	put(tagRows, dicom.USVR, []uint16{uint16(frame.Rows)})
	put(tagColumns, dicom.USVR, []uint16{uint16(frame.Columns)})
	put(tagBitsAllocated, dicom.USVR, []uint16{uint16(frame.BitsAllocated)})
	put(tagSamplesPerPixel, dicom.USVR, []uint16{uint16(frame.SamplesPerPixel)})
	put(tagPhotometric, dicom.CSVR, []string{frame.Photometric})
	if _, ok := elements[tagBitsStored]; !ok {
		put(tagBitsStored, dicom.USVR, []uint16{uint16(frame.BitsAllocated)})
	}
	if _, ok := elements[tagHighBit]; !ok {
		put(tagHighBit, dicom.USVR, []uint16{uint16(frame.BitsAllocated - 1)})
	}
	if _, ok := elements[tagPixelRepresentation]; !ok {
		put(tagPixelRepresentation, dicom.USVR, []uint16{0})
	}

	// Value and item lengths must be even (PS3.5 7.1); an odd pixel
	// buffer gets one trailing null byte, for native values and
	// encapsulated fragments alike.
	pixels := frame.Data
	if len(pixels)%2 != 0 {
		padded := make([]byte, len(pixels)+1)
		copy(padded, pixels)
		pixels = padded
	}

	if frame.Encapsulated {
		// Encapsulated pixel data: empty basic offset table, then the
		// codestream as a single fragment.
		elements[dicom.PixelDataTag] = &dicom.DataElement{
			Tag:         dicom.PixelDataTag,
			VR:          dicom.OBVR,
			ValueField:  dicom.NewEncapsulatedFormatBuffer([]byte{}, pixels),
			ValueLength: dicom.UndefinedLength,
		}
	} else {
		vr := dicom.OWVR
		if frame.BitsAllocated <= 8 {
			vr = dicom.OBVR
		}
		put(uint32(dicom.PixelDataTag), vr, dicom.NewBulkDataBuffer(pixels))
	}

	return &dicom.DataSet{Elements: elements}, nil
}

// Write encodes the dataset as a DICOM file (preamble, meta group, data
// set) to w.
func Write(w io.Writer, ds *dicom.DataSet) error {
	return dicom.Construct(w, ds)
}

// convertTagValue resolves the VR of a portal-reported tag and converts
// its string value accordingly. Portals report values without a VR, so
// private tags whose true VR is unknowable default to LO ("long string").
// That default is a documented limitation of the sources, not something
// to second-guess here.
func convertTagValue(tag dicom.DataElementTag, value string) (*dicom.VR, interface{}) {
	vr := tag.DictionaryVR()
	if vr == nil {
		return dicom.LOVR, splitMulti(value)
	}

	switch vr {
	case dicom.USVR:
		if v, ok := parseUints(value, 16); ok {
			out := make([]uint16, len(v))
			for i, n := range v {
				out[i] = uint16(n)
			}
			return vr, out
		}
	case dicom.SSVR:
		if v, ok := parseInts(value, 16); ok {
			out := make([]int16, len(v))
			for i, n := range v {
				out[i] = int16(n)
			}
			return vr, out
		}
	case dicom.ULVR:
		if v, ok := parseUints(value, 32); ok {
			out := make([]uint32, len(v))
			for i, n := range v {
				out[i] = uint32(n)
			}
			return vr, out
		}
	case dicom.SLVR:
		if v, ok := parseInts(value, 32); ok {
			out := make([]int32, len(v))
			for i, n := range v {
				out[i] = int32(n)
			}
			return vr, out
		}
	case dicom.FLVR:
		if v, ok := parseFloats(value); ok {
			out := make([]float32, len(v))
			for i, f := range v {
				out[i] = float32(f)
			}
			return vr, out
		}
	case dicom.FDVR:
		if v, ok := parseFloats(value); ok {
			return vr, v
		}
	case dicom.AEVR, dicom.ASVR, dicom.CSVR, dicom.DAVR, dicom.DSVR, dicom.DTVR,
		dicom.ISVR, dicom.LOVR, dicom.LTVR, dicom.PNVR, dicom.SHVR, dicom.STVR,
		dicom.TMVR, dicom.UCVR, dicom.UIVR, dicom.URVR, dicom.UTVR:
		return vr, splitMulti(value)
	}

	// Binary, sequence or unknown VRs cannot be rebuilt from a string.
	return dicom.LOVR, splitMulti(value)
}

func splitMulti(value string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(value); i++ {
		if value[i] == '\\' {
			parts = append(parts, value[start:i])
			start = i + 1
		}
	}
	return append(parts, value[start:])
}

func parseInts(value string, bits int) ([]int64, bool) {
	parts := splitMulti(value)
	out := make([]int64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, bits)
		if err != nil {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

func parseUints(value string, bits int) ([]uint64, bool) {
	parts := splitMulti(value)
	out := make([]uint64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, bits)
		if err != nil {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

func parseFloats(value string) ([]float64, bool) {
	parts := splitMulti(value)
	out := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}
