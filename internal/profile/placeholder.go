package profile

// Well-known placeholder shortcodes (§4.2): synthetic Contexts used when
// the true scope is unknown or represents a runtime state the sampler
// cannot attribute to a real call path.
var (
	PlaceholderOpenMPIdle        = NewPlaceholderShortcode("omp_idle")
	PlaceholderGPUCopy           = NewPlaceholderShortcode("gpu_copy")
	PlaceholderPartialUnwindRoot = NewPlaceholderShortcode("pu_root")
	PlaceholderMainFence         = NewPlaceholderShortcode("mainfnc")
	PlaceholderThreadFence       = NewPlaceholderShortcode("thrdfnc")
)
