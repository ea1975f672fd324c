package report

// CUE schemas for the report contract, one per accepted version. The
// schemas stay open (unknown fields pass through) but every named field is
// typed and required fields must be concrete after unification.

const schemaV1Src = `
#Step: {
	name:        string
	status:      "SUCCESS" | "FAILED" | "SKIPPED"
	durationMs?: number
	error?:      string
	...
}

#Error: {
	code:    string
	message: string
	step?:   string
	fatal?:  bool
	...
}

version:    "v1"
ok:         bool
summary:    string
startedAt:  string
finishedAt: string
steps: [...#Step]
artifacts: {...}
errors: [...#Error]
...
`

const schemaV2Src = `
#Step: {
	name:        string
	status:      "SUCCESS" | "FAILED" | "SKIPPED"
	durationMs?: number
	error?:      string
	...
}

#Error: {
	code:    string
	message: string
	step?:   string
	fatal?:  bool
	...
}

version:     "v2"
ok:          bool
summary:     string
durationMs:  number
startedAt?:  string
finishedAt?: string
steps: [...#Step]
artifacts?: {...}
errors: [...#Error]
...
`
