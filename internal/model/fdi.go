package model

import "fmt"

type ConditionCode string

const (
	ConditionSound             ConditionCode = "SANO"
	ConditionAbsent            ConditionCode = "AUSENTE"
	ConditionCaries            ConditionCode = "CARIES"
	ConditionFilled            ConditionCode = "OBTURADO"
	ConditionCrown             ConditionCode = "CORONA"
	ConditionRootCanal         ConditionCode = "ENDODONCIA"
	ConditionImplant           ConditionCode = "IMPLANTE"
	ConditionExtractionPending ConditionCode = "EXTRACCION_INDICADA"
	ConditionFractured         ConditionCode = "FRACTURADO"
	ConditionProsthesis        ConditionCode = "PROTESIS"
)

type SurfaceCode string

const (
	SurfaceOcclusal   SurfaceCode = "OCLUSAL"
	SurfaceMesial     SurfaceCode = "MESIAL"
	SurfaceDistal     SurfaceCode = "DISTAL"
	SurfaceVestibular SurfaceCode = "VESTIBULAR"
	SurfaceLingual    SurfaceCode = "LINGUAL"
	SurfacePalatal    SurfaceCode = "PALATINO"
	SurfaceIncisal    SurfaceCode = "INCISAL"
)

type FindingCode string

const (
	FindingCaries               FindingCode = "CARIES"
	FindingFilling              FindingCode = "OBTURACION"
	FindingSealant              FindingCode = "SELLANTE"
	FindingFracture             FindingCode = "FRACTURA"
	FindingDefectiveRestoration FindingCode = "RESTAURACION_DEFECTUOSA"
	FindingSound                FindingCode = "SANO"
)

var validConditions = map[ConditionCode]bool{
	ConditionSound:             true,
	ConditionAbsent:            true,
	ConditionCaries:            true,
	ConditionFilled:            true,
	ConditionCrown:             true,
	ConditionRootCanal:         true,
	ConditionImplant:           true,
	ConditionExtractionPending: true,
	ConditionFractured:         true,
	ConditionProsthesis:        true,
}

var validSurfaces = map[SurfaceCode]bool{
	SurfaceOcclusal:   true,
	SurfaceMesial:     true,
	SurfaceDistal:     true,
	SurfaceVestibular: true,
	SurfaceLingual:    true,
	SurfacePalatal:    true,
	SurfaceIncisal:    true,
}

var validFindings = map[FindingCode]bool{
	FindingCaries:               true,
	FindingFilling:              true,
	FindingSealant:              true,
	FindingFracture:             true,
	FindingDefectiveRestoration: true,
	FindingSound:                true,
}

func (c ConditionCode) Valid() bool { return validConditions[c] }
func (s SurfaceCode) Valid() bool { return validSurfaces[s] }
func (f FindingCode) Valid() bool { return validFindings[f] }

// IsPermanentTooth reports whether fdi is in quadrants 1-4, positions 1-8.
func IsPermanentTooth(fdi int) bool {
	q, p := fdi/10, fdi%10
	return q >= 1 && q <= 4 && p >= 1 && p <= 8
}

// IsDeciduousTooth reports whether fdi is in quadrants 5-8, positions 1-5.
func IsDeciduousTooth(fdi int) bool {
	q, p := fdi/10, fdi%10
	return q >= 5 && q <= 8 && p >= 1 && p <= 5
}

func IsValidFDI(fdi int) bool {
	return fdi >= 11 && fdi <= 85 && (IsPermanentTooth(fdi) || IsDeciduousTooth(fdi))
}

// ValidateFDI returns a descriptive error for numbers outside both dentitions.
func ValidateFDI(fdi int) error {
	if !IsValidFDI(fdi) {
		return fmt.Errorf("invalid FDI tooth number %d", fdi)
	}
	return nil
}
