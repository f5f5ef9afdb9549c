package options

import "fmt"

func Validate(o *Options) []error {
	var errs []error
	if len(o.Definitions) == 0 {
		errs = append(errs, fmt.Errorf("--load is required: no instrument definition file given"))
	}
	if o.PortStart <= 0 || o.PortStart > 65535 {
		errs = append(errs, fmt.Errorf("--port-start must be a valid port, got %d", o.PortStart))
	}
	if (len(o.CertFile) == 0) != (len(o.KeyFile) == 0) {
		errs = append(errs, fmt.Errorf("--cert-file and --key-file must be given together"))
	}
	if err := o.BaseOptions.ValidateAndApply(); err != nil {
		errs = append(errs, err)
	}

	return errs
}
