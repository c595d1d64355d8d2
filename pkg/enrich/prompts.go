package enrich

const systemPrompt = `You are an analyst for medical equipment service records.
Given a work-order text, extract a single JSON object with exactly these fields:
  "keywords": array of up to 10 short keywords,
  "primary_symptom": string,
  "root_cause": string,
  "summary": string, at most 2 sentences,
  "solution": string,
  "solution_type": one of "repair", "replace", "adjust", "clean", "update", "other",
  "components": array of affected component names,
  "processes": array of service processes performed,
  "main_component": string,
  "main_process": string,
  "confidence": number between 0 and 1.
Use empty strings and empty arrays for information the text does not contain.
Respond with the JSON object only.`

// One worked example anchors the output shape. Redaction tokens appear in
// the example because production inputs carry them.
const fewShotInput = `MRI cooling unit alarm at site. Compressor running loud, ` +
	`helium level dropped to 62%. Technician [REDACTED:NAME] replaced the ` +
	`cold head adsorber and refilled helium. System back to nominal.`

const fewShotOutput = `{"keywords":["MRI","cooling","compressor","helium","cold head"],` +
	`"primary_symptom":"cooling unit alarm with dropping helium level",` +
	`"root_cause":"worn cold head adsorber",` +
	`"summary":"MRI cooling alarm caused by a worn cold head adsorber. Part was replaced and helium refilled.",` +
	`"solution":"replaced cold head adsorber and refilled helium",` +
	`"solution_type":"replace",` +
	`"components":["cold head adsorber","compressor","cooling unit"],` +
	`"processes":["replacement","helium refill"],` +
	`"main_component":"cold head adsorber",` +
	`"main_process":"replacement",` +
	`"confidence":0.92}`

// stiffener is appended after a response fails JSON validation
const stiffener = `Your previous response was not a valid JSON object of the required shape.
Respond with ONLY the JSON object. No prose, no markdown fences, no trailing text.`

// buildExtractionMessages assembles the conversation for one extraction
// request. stiffened hardens the instructions for validation-failure
// retries.
func buildExtractionMessages(text string, stiffened bool) []Message {
	sys := systemPrompt
	if stiffened {
		sys = systemPrompt + "\n" + stiffener
	}
	return []Message{
		{Role: "system", Content: sys},
		{Role: "user", Content: fewShotInput},
		{Role: "assistant", Content: fewShotOutput},
		{Role: "user", Content: text},
	}
}
