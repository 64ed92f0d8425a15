package webapi

import (
	"fmt"

	"github.com/cryguy/flaredeck/internal/core"
	"github.com/cryguy/flaredeck/internal/eventloop"
)

// formdataJS implements Blob, File, and FormData as pure JS polyfills.
const formdataJS = `
(function() {

// --- Blob ---

class Blob {
	constructor(parts, options) {
		options = options || {};
		var t = String(options.type || '').toLowerCase();
		this.type = /^[\x20-\x7e]*$/.test(t) ? t : '';
		this._parts = [];
		this._size = 0;

		if (parts) {
			const enc = new TextEncoder();
			for (const part of parts) {
				if (typeof part === 'string') {
					this._parts.push(part);
					this._size += enc.encode(part).length;
				} else if (part instanceof Blob) {
					this._parts.push(...part._parts);
					this._size += part._size;
				} else if (part instanceof ArrayBuffer) {
					const arr = new Uint8Array(part);
					const CHUNK = 1024;
					let s = '';
					for (let i = 0; i < arr.length; i += CHUNK) {
						const end = Math.min(i + CHUNK, arr.length);
						s += String.fromCharCode.apply(null, arr.subarray(i, end));
					}
					this._parts.push(s);
					this._size += arr.length;
				} else if (ArrayBuffer.isView(part)) {
					const arr = new Uint8Array(part.buffer, part.byteOffset, part.byteLength);
					const CHUNK = 1024;
					let s = '';
					for (let i = 0; i < arr.length; i += CHUNK) {
						const end = Math.min(i + CHUNK, arr.length);
						s += String.fromCharCode.apply(null, arr.subarray(i, end));
					}
					this._parts.push(s);
					this._size += arr.length;
				} else {
					const str = String(part);
					this._parts.push(str);
					this._size += enc.encode(str).length;
				}
			}
		}
	}

	get size() {
		return this._size;
	}

	slice(start, end, contentType) {
		const size = this._size;
		let s = start === undefined ? 0 : start < 0 ? Math.max(size + start, 0) : Math.min(start, size);
		let e = end === undefined ? size : end < 0 ? Math.max(size + end, 0) : Math.min(end, size);
		const full = this._parts.join('');
		const sliced = full.slice(s, e);
		const ct = contentType !== undefined ? String(contentType).toLowerCase() : this.type;
		return new Blob([sliced], { type: ct });
	}

	async text() {
		return this._parts.join('');
	}

	async arrayBuffer() {
		const text = this._parts.join('');
		const enc = new TextEncoder();
		return enc.encode(text).buffer;
	}

	get [Symbol.toStringTag]() { return 'Blob'; }
}

// --- File ---

class File extends Blob {
	constructor(parts, name, options) {
		super(parts, options);
		this.name = name;
		this.lastModified = (options && options.lastModified) || Date.now();
		this.webkitRelativePath = '';
	}

	get [Symbol.toStringTag]() { return 'File'; }
}

// --- FormData ---

class FormData {
	constructor() {
		this._entries = [];
	}

	append(name, value, filename) {
		if (value instanceof Blob && !(value instanceof File)) {
			value = new File([value], filename || 'blob', { type: value.type });
		}
		this._entries.push([String(name), value]);
	}

	set(name, value, filename) {
		if (value instanceof Blob && !(value instanceof File)) {
			value = new File([value], filename || 'blob', { type: value.type });
		}
		const sName = String(name);
		let found = false;
		const filtered = [];
		for (let i = 0; i < this._entries.length; i++) {
			if (this._entries[i][0] === sName) {
				if (!found) {
					filtered.push([sName, value]);
					found = true;
				}
				// skip duplicates
			} else {
				filtered.push(this._entries[i]);
			}
		}
		if (!found) filtered.push([sName, value]);
		this._entries = filtered;
	}

	get(name) {
		const entry = this._entries.find(([k]) => k === name);
		return entry ? entry[1] : null;
	}

	getAll(name) {
		return this._entries.filter(([k]) => k === name).map(([, v]) => v);
	}

	has(name) {
		return this._entries.some(([k]) => k === name);
	}

	delete(name) {
		this._entries = this._entries.filter(([k]) => k !== name);
	}

	entries() {
		return this._entries[Symbol.iterator]();
	}

	keys() {
		return this._entries.map(([k]) => k)[Symbol.iterator]();
	}

	values() {
		return this._entries.map(([, v]) => v)[Symbol.iterator]();
	}

	forEach(callback, thisArg) {
		for (const [name, value] of this._entries) {
			callback.call(thisArg, value, name, this);
		}
	}

	[Symbol.iterator]() {
		return this.entries();
	}

	get [Symbol.toStringTag]() { return 'FormData'; }
}

globalThis.Blob = Blob;
globalThis.File = File;
globalThis.FormData = FormData;

})();
`

// SetupFormData evaluates the FormData/Blob/File polyfills.
func SetupFormData(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.Eval(formdataJS); err != nil {
		return fmt.Errorf("evaluating formdata.js: %w", err)
	}
	return nil
}

// blobExtJS adds stream() and bytes() methods to Blob.prototype.
// Must be evaluated AFTER both SetupFormData (Blob) and SetupStreams (ReadableStream).
const blobExtJS = `
Blob.prototype.stream = function() {
	var blob = this;
	return new ReadableStream({
		start: function(controller) {
			blob.arrayBuffer().then(function(buf) {
				controller.enqueue(new Uint8Array(buf));
				controller.close();
			});
		}
	});
};
Blob.prototype.bytes = function() {
	return this.arrayBuffer().then(function(buf) {
		return new Uint8Array(buf);
	});
};
`

// SetupBlobExt evaluates the Blob.stream()/bytes() polyfills.
func SetupBlobExt(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.Eval(blobExtJS); err != nil {
		return fmt.Errorf("evaluating blob_ext.js: %w", err)
	}
	return nil
}
