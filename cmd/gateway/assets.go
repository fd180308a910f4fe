package main

import _ "embed"

//go:embed assets/bootstrap.js
var bootstrapJS []byte
