package response

var errors = map[ErrCode]string{
	ErrCodeMalformedJSON:              "The JSON you provided was not well-formed or did not validate against our published format.",
	ErrCodeRequestBody:                "Request body error",
	ErrCodeInstrumentNotFound:         "Instrument %s not found.",
	ErrCodeCommandRequired:            "No command provided.",
	ErrCodeServersNotStarted:          "Failed to start instrument servers: %v",
	ErrCodeDefinitionInvalid:          "Instrument definition invalid: %v",
	ErrCodeTooManyJsonPatchOperations: "Too many json patch operations, max %d.",
}

// !!! IMPORTANT PLEASE READ FIRST !!!
// You SHOULD add new code at the end of enum firstly.

var ErrMalformedJSON = &responseError{
	Code:    ErrCodeMalformedJSON,
	Message: errors[ErrCodeMalformedJSON],
}

var ErrRequestBody = &responseError{
	Code:    ErrCodeRequestBody,
	Message: errors[ErrCodeRequestBody],
}

var ErrCommandRequired = &responseError{
	Code:    ErrCodeCommandRequired,
	Message: errors[ErrCodeCommandRequired],
}

func ErrInstrumentNotFound(id string) *responseError {
	return generateError(ErrCodeInstrumentNotFound, id)
}

func ErrServersNotStarted(err error) *responseError {
	return generateError(ErrCodeServersNotStarted, err)
}

func ErrDefinitionInvalid(err error) *responseError {
	return generateError(ErrCodeDefinitionInvalid, err)
}

func ErrTooManyJsonPatchOperations(max int) *responseError {
	return generateError(ErrCodeTooManyJsonPatchOperations, max)
}
