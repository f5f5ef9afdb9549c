package response

type ErrCode int

const (
	_                                 ErrCode = 10000 + iota
	ErrCodeMalformedJSON                      // 10001
	ErrCodeRequestBody                        // 10002
	ErrCodeInstrumentNotFound                 // 10003
	ErrCodeCommandRequired                    // 10004
	ErrCodeServersNotStarted                  // 10005
	ErrCodeDefinitionInvalid                  // 10006
	ErrCodeTooManyJsonPatchOperations         // 10007
)

// !!! IMPORTANT PLEASE READ FIRST !!!
// You SHOULD add new code at the end, and append comment of number
// Meanwhile, the corresponding error message SHOULD be appended in response.errors
// The order MUST be consistent between them
