package manifest

// CodeInvalid marks manifests that fail to decode or validate.
const CodeInvalid = "MANIFEST_INVALID"
