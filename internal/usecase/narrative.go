package usecase

import "fmt"

const noTumorNarrative = "The MRI scan appears to show normal brain anatomy without evidence of a tumor. " +
	"The brain parenchyma demonstrates normal signal intensity throughout, with no focal lesions, abnormal enhancement, or mass effect identified. " +
	"The ventricles are of normal size and configuration. Gray-white matter differentiation is preserved. " +
	"No midline shift or herniation is present. The visualized extra-axial spaces appear unremarkable. " +
	"While this scan appears normal, clinical correlation is always recommended."

const tumorNarrativeFormat = "The MRI scan shows characteristics consistent with a brain tumor (%s). " +
	"The image displays an abnormal mass with irregular borders and heterogeneous signal intensity. " +
	"There appears to be surrounding edema and possible mass effect on adjacent structures. " +
	"Based on imaging features alone, this could represent a high-grade glioma, but histopathological confirmation would be necessary for definitive diagnosis. " +
	"Further imaging with contrast enhancement and possibly advanced MRI techniques like perfusion or spectroscopy would help characterize the lesion further."

// Narrative returns the canned summary shown next to a prediction.
func Narrative(result PredictionResult) string {
	if !result.TumorDetected() {
		return noTumorNarrative
	}
	tumorType := result.PredictedClass
	if tumorType == "" {
		tumorType = "unknown type"
	}
	return fmt.Sprintf(tumorNarrativeFormat, tumorType)
}
