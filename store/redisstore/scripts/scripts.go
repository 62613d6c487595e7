// Package scripts holds the Lua scripts redisstore runs server-side so a
// bucket's refill-then-consume arithmetic and its optimistic-lock check
// execute as one atomic round trip, the same embedding idiom as the
// teacher's backends/scripts package.
package scripts

import _ "embed"

//go:embed create.lua
var Create string

//go:embed normal.lua
var Normal string

//go:embed retry.lua
var Retry string

//go:embed adjust.lua
var Adjust string

//go:embed transact.lua
var Transact string
