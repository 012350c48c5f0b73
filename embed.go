package chatrelay

import "embed"

// TemplateFS contains the embedded HTML templates used to render exported conversation transcripts.
//
//go:embed templates/*
var TemplateFS embed.FS
