package llm

// Canned responses served when the provider has failed repeatedly. They are
// intentionally simple and always decodable, keeping the pipeline exercising
// its full path while the provider is down.

const cannedGenerateTest = `{
  "name": "fallback_doubling_test",
  "type": "function",
  "complexity": "beginner",
  "description": "Deterministic fallback test generated while the model was unavailable.",
  "code": "func TestDouble(value float64) float64 {\n\treturn value * 2\n}",
  "inputs": {"value": 10},
  "success_criteria": "output == value * 2",
  "timeout_seconds": 10
}`

const cannedFix = `{
  "analysis": "The model was unavailable, so a deterministic replacement was produced instead of a targeted fix.",
  "fixed_code": "func TestFunction(value float64) float64 {\n\treturn value * 2\n}",
  "explanation": "Replaced the failing code with a minimal doubling function that satisfies a doubling criterion."
}`

const cannedInsights = `{
  "insights": [
    "Fixes that replace whole function bodies succeed more often than line edits.",
    "Timeout failures usually indicate unbounded loops rather than slow logic."
  ],
  "recommendation": "Prefer regenerating the function body when the failure is structural."
}`

const cannedGeneric = `{
  "status": "ok",
  "note": "model unavailable; deterministic placeholder response"
}`
