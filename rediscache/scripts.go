package rediscache

import "github.com/redis/go-redis/v9"

// Server-side invalidation scripts.
//
// The selective scripts decode the 19-byte bounds header prefixed to every
// list page (magic 'SR', little-endian int64 first/last, flags byte) and
// delete only pages whose bounds interval covers the modified sort value
// under the page's direction / first-page / incomplete / pagination flags.
// Running on the server keeps the read-decide-delete sequence atomic in one
// round-trip; a client-side scan-and-delete loop is not equivalent under
// concurrency.
//
// Pages without a readable header are deleted (fail invalid, not stale).

// luaHelpers are shared by the selective scripts.
const luaHelpers = `
local function read_int64(s, off)
    local b1,b2,b3,b4,b5,b6,b7,b8 = string.byte(s, off+1, off+8)
    local val = b1 + b2*256 + b3*65536 + b4*16777216
              + b5*4294967296 + b6*1099511627776
              + b7*281474976710656 + b8*72057594037927936
    if val >= 2^63 then val = val - 2^64 end
    return val
end

local function page_in_range(val, first, last, is_desc, is_first_page, is_incomplete, is_offset)
    if is_offset then
        if is_incomplete then return true end
        if is_desc then return val >= last end
        return val <= last
    end
    if is_first_page and is_incomplete then return true end
    if is_desc then
        if is_first_page then return val >= last end
        if is_incomplete then return val <= first end
        return val <= first and val >= last
    end
    if is_first_page then return val <= last end
    if is_incomplete then return val >= first end
    return val >= first and val <= last
end

local function read_header(page_key, hdr_size)
    local hdr = redis.call('GETRANGE', page_key, 0, hdr_size - 1)
    if #hdr < hdr_size or string.byte(hdr, 1) ~= 0x53 or string.byte(hdr, 2) ~= 0x52 then
        return nil
    end
    local first = read_int64(hdr, 2)
    local last  = read_int64(hdr, 10)
    local flags = string.byte(hdr, 19)
    return first, last,
        (flags % 2) == 1,                  -- is_desc
        (math.floor(flags / 2) % 2) == 1,  -- is_first_page
        (math.floor(flags / 4) % 2) == 1,  -- is_incomplete
        (math.floor(flags / 8) % 2) == 0   -- is_offset
end
`

// scriptInvalidateGroup drains and deletes a whole group's pages.
// KEYS[1] = tracking set. Returns the number of pages deleted.
var scriptInvalidateGroup = redis.NewScript(`
local keys = redis.call('SMEMBERS', KEYS[1])
local count = 0
for _, key in ipairs(keys) do
    redis.call('DEL', key)
    count = count + 1
end
redis.call('DEL', KEYS[1])
return count
`)

// scriptGroupSelective deletes the pages of one group affected by a single
// sort value (create/delete).
// KEYS[1] = tracking set; ARGV[1] = sort value; ARGV[2] = header size.
var scriptGroupSelective = redis.NewScript(luaHelpers + `
local keys = redis.call('SMEMBERS', KEYS[1])
local entity_val = tonumber(ARGV[1])
local hdr_size = tonumber(ARGV[2])
local count = 0

for _, page_key in ipairs(keys) do
    local should_del = true
    local first, last, is_desc, is_first_page, is_incomplete, is_offset = read_header(page_key, hdr_size)
    if first ~= nil then
        should_del = page_in_range(entity_val, first, last, is_desc, is_first_page, is_incomplete, is_offset)
    end
    if should_del then
        redis.call('DEL', page_key)
        redis.call('SREM', KEYS[1], page_key)
        count = count + 1
    end
end

if count == #keys then redis.call('DEL', KEYS[1]) end
return count
`)

// scriptGroupSelectiveUpdate deletes the pages of one group affected by an
// update that moved a sort value: range overlap for offset pagination,
// per-value containment OR for cursor pagination.
// KEYS[1] = tracking set; ARGV = old value, new value, header size.
var scriptGroupSelectiveUpdate = redis.NewScript(luaHelpers + `
local keys = redis.call('SMEMBERS', KEYS[1])
local old_val = tonumber(ARGV[1])
local new_val = tonumber(ARGV[2])
local hdr_size = tonumber(ARGV[3])
local range_min = math.min(old_val, new_val)
local range_max = math.max(old_val, new_val)
local count = 0

for _, page_key in ipairs(keys) do
    local should_del = true
    local first, last, is_desc, is_first_page, is_incomplete, is_offset = read_header(page_key, hdr_size)
    if first ~= nil then
        if is_offset then
            local page_min = is_desc and last or first
            local page_max = is_desc and first or last
            if is_incomplete then
                should_del = (page_min <= range_max)
            else
                should_del = (page_min <= range_max) and (range_min <= page_max)
            end
        else
            should_del = page_in_range(old_val, first, last, is_desc, is_first_page, is_incomplete, is_offset)
                      or page_in_range(new_val, first, last, is_desc, is_first_page, is_incomplete, is_offset)
        end
    end
    if should_del then
        redis.call('DEL', page_key)
        redis.call('SREM', KEYS[1], page_key)
        count = count + 1
    end
end

if count == #keys then redis.call('DEL', KEYS[1]) end
return count
`)

// luaGroupMatch parses master-hash entries and matches a group's filter
// blob ("i=v|j=v") against a written entity's full blob.
const luaGroupMatch = `
local function entity_pairs(blob)
    local t = {}
    for pair in string.gmatch(blob, "[^|]+") do t[pair] = true end
    return t
end

local function group_matches(gblob, pairs)
    if gblob == "" then return true end
    for pair in string.gmatch(gblob, "[^|]+") do
        if not pairs[pair] then return false end
    end
    return true
end

local function csv_value(csv, idx)
    local i = 0
    for v in string.gmatch(csv, "[^,]+") do
        if i == idx then return tonumber(v) end
        i = i + 1
    end
    return 0
end

local function parse_meta(meta)
    local sep = string.find(meta, ":", 1, true)
    if sep == nil then return tonumber(meta) or 0, "" end
    return tonumber(string.sub(meta, 1, sep - 1)) or 0, string.sub(meta, sep + 1)
end
`

// scriptGroupsSelective walks the master hash and applies the selective
// deletion to every group whose filters match the written entity.
// KEYS[1] = master hash; ARGV = header size, entity filter blob, sort
// values CSV (one per sort field, descriptor order).
var scriptGroupsSelective = redis.NewScript(luaHelpers + luaGroupMatch + `
local hdr_size = tonumber(ARGV[1])
local pairs_tbl = entity_pairs(ARGV[2])
local sort_csv = ARGV[3]
local groups = redis.call('HGETALL', KEYS[1])
local count = 0

for i = 1, #groups, 2 do
    local set_key = groups[i]
    local sort_idx, gblob = parse_meta(groups[i + 1])
    if group_matches(gblob, pairs_tbl) then
        local entity_val = csv_value(sort_csv, sort_idx)
        local keys = redis.call('SMEMBERS', set_key)
        local deleted = 0
        for _, page_key in ipairs(keys) do
            local should_del = true
            local first, last, is_desc, is_first_page, is_incomplete, is_offset = read_header(page_key, hdr_size)
            if first ~= nil then
                should_del = page_in_range(entity_val, first, last, is_desc, is_first_page, is_incomplete, is_offset)
            end
            if should_del then
                redis.call('DEL', page_key)
                redis.call('SREM', set_key, page_key)
                deleted = deleted + 1
            end
        end
        if deleted == #keys then
            redis.call('DEL', set_key)
            redis.call('HDEL', KEYS[1], set_key)
        end
        count = count + deleted
    end
end
return count
`)

// scriptGroupsSelectiveUpdate is the update variant: a group matches when
// its filters match the old or the new entity state; pages are tested
// against old/new sort values.
// KEYS[1] = master hash; ARGV = header size, old blob, new blob, old CSV,
// new CSV.
var scriptGroupsSelectiveUpdate = redis.NewScript(luaHelpers + luaGroupMatch + `
local hdr_size = tonumber(ARGV[1])
local old_pairs = entity_pairs(ARGV[2])
local new_pairs = entity_pairs(ARGV[3])
local old_csv = ARGV[4]
local new_csv = ARGV[5]
local groups = redis.call('HGETALL', KEYS[1])
local count = 0

for i = 1, #groups, 2 do
    local set_key = groups[i]
    local sort_idx, gblob = parse_meta(groups[i + 1])
    if group_matches(gblob, old_pairs) or group_matches(gblob, new_pairs) then
        local old_val = csv_value(old_csv, sort_idx)
        local new_val = csv_value(new_csv, sort_idx)
        local range_min = math.min(old_val, new_val)
        local range_max = math.max(old_val, new_val)
        local keys = redis.call('SMEMBERS', set_key)
        local deleted = 0
        for _, page_key in ipairs(keys) do
            local should_del = true
            local first, last, is_desc, is_first_page, is_incomplete, is_offset = read_header(page_key, hdr_size)
            if first ~= nil then
                if is_offset then
                    local page_min = is_desc and last or first
                    local page_max = is_desc and first or last
                    if is_incomplete then
                        should_del = (page_min <= range_max)
                    else
                        should_del = (page_min <= range_max) and (range_min <= page_max)
                    end
                else
                    should_del = page_in_range(old_val, first, last, is_desc, is_first_page, is_incomplete, is_offset)
                              or page_in_range(new_val, first, last, is_desc, is_first_page, is_incomplete, is_offset)
                end
            end
            if should_del then
                redis.call('DEL', page_key)
                redis.call('SREM', set_key, page_key)
                deleted = deleted + 1
            end
        end
        if deleted == #keys then
            redis.call('DEL', set_key)
            redis.call('HDEL', KEYS[1], set_key)
        end
        count = count + deleted
    end
end
return count
`)
